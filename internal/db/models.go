package db

import (
	"time"

	"gorm.io/gorm"

	"github.com/seshat-ai/seshat/pkg/models"
)

// MemoryRecord is the storage row for a promoted long-term memory.
// The primary key is composite (session_id, id): memory ids are
// caller-supplied and only unique within a session, so two sessions
// reusing the same id must land on distinct rows.
type MemoryRecord struct {
	SessionID      string         `gorm:"primaryKey;index:idx_memories_session;index:idx_memories_session_type,priority:1;not null"`
	ID             string         `gorm:"primaryKey;not null"`
	Type           string         `gorm:"index:idx_memories_session_type,priority:2;not null"`
	Data           models.JSONMap `gorm:"type:text"`
	Importance     float64        `gorm:"type:real;index:idx_memories_importance,sort:desc;default:0"`
	CreatedAt      string         `gorm:"not null"`
	CreatedAtEpoch int64          `gorm:"index:idx_memories_created,sort:desc;not null"`
	UpdatedAt      string         `gorm:"not null"`
	UpdatedAtEpoch int64          `gorm:"not null"`
}

func (MemoryRecord) TableName() string { return "memories" }

// BeforeCreate hook to ensure timestamps are set.
func (m *MemoryRecord) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = now.UnixMilli()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = now.Format(time.RFC3339Nano)
	}
	if m.UpdatedAtEpoch == 0 {
		m.UpdatedAtEpoch = m.CreatedAtEpoch
	}
	if m.UpdatedAt == "" {
		m.UpdatedAt = m.CreatedAt
	}
	return nil
}

// ToMemory converts a storage row to the domain model.
func (m *MemoryRecord) ToMemory() *models.Memory {
	created, _ := time.Parse(time.RFC3339Nano, m.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, m.UpdatedAt)
	return &models.Memory{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Type:       models.MemoryType(m.Type),
		Data:       m.Data.Clone(),
		Importance: m.Importance,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}
}

// FromMemory converts a domain memory to its storage row.
func FromMemory(mem *models.Memory) *MemoryRecord {
	return &MemoryRecord{
		SessionID:      mem.SessionID,
		ID:             mem.ID,
		Type:           string(mem.Type),
		Data:           mem.Data.Clone(),
		Importance:     mem.Importance,
		CreatedAt:      mem.CreatedAt.Format(time.RFC3339Nano),
		CreatedAtEpoch: mem.CreatedAt.UnixMilli(),
		UpdatedAt:      mem.UpdatedAt.Format(time.RFC3339Nano),
		UpdatedAtEpoch: mem.UpdatedAt.UnixMilli(),
	}
}

// SavedSession is a durable snapshot of a session's state record, used to
// restore sessions across process restarts. State is the goccy-serialized
// SessionState JSON.
type SavedSession struct {
	SessionID    string `gorm:"primaryKey;not null"`
	State        []byte `gorm:"type:text;not null"`
	SavedAt      string `gorm:"not null"`
	SavedAtEpoch int64  `gorm:"index:idx_saved_sessions_saved,sort:desc;not null"`
}

func (SavedSession) TableName() string { return "saved_sessions" }

// BeforeCreate hook to ensure timestamps are set.
func (s *SavedSession) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.SavedAtEpoch == 0 {
		s.SavedAtEpoch = now.UnixMilli()
	}
	if s.SavedAt == "" {
		s.SavedAt = now.Format(time.RFC3339Nano)
	}
	return nil
}
