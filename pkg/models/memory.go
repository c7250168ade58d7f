package models

import "time"

// MemoryType tags a long-term memory record. The set is closed: new kinds
// are added here, not invented at call sites.
type MemoryType string

const (
	TypeFact         MemoryType = "fact"
	TypeAnalysis     MemoryType = "analysis"
	TypeConversation MemoryType = "conversation"
	TypeFileContext  MemoryType = "file_context"
	TypeDecision     MemoryType = "decision"
	TypeAssumption   MemoryType = "assumption"
)

// Valid reports whether the type is one of the known values.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeFact, TypeAnalysis, TypeConversation, TypeFileContext, TypeDecision, TypeAssumption:
		return true
	}
	return false
}

// PendingItem is a promotion candidate held in a session's pending queue.
//
// HasData distinguishes an explicitly-nil payload (valid) from an omitted
// one (a validation error). Importance may be zero and computed lazily by
// the queue's scoring heuristic.
type PendingItem struct {
	ID         string         `json:"id"`
	Type       MemoryType     `json:"type,omitempty"`
	Data       map[string]any `json:"data"`
	HasData    bool           `json:"-"`
	Importance float64        `json:"importance"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Validate checks the required fields of a promotion candidate. The data
// key must be present; a nil value for it is acceptable.
func (p *PendingItem) Validate() error {
	var missing []string
	if p.ID == "" {
		missing = append(missing, "id")
	}
	if !p.HasData {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}

// Age returns how long the item has been waiting, relative to now.
func (p *PendingItem) Age(now time.Time) time.Duration {
	return now.Sub(p.EnqueuedAt)
}

// Memory is a long-term record persisted by the promotion engine or
// directly through the long-term store. SessionID is the isolation key:
// a memory is only ever visible through the handle of its owning session.
type Memory struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Type       MemoryType `json:"type"`
	Data       JSONMap    `json:"data"`
	Importance float64    `json:"importance"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ValidateForPersist checks fields the store requires before stamping
// timestamps. Importance must be in [0, 1].
func (m *Memory) ValidateForPersist() error {
	var missing []string
	if m.ID == "" {
		missing = append(missing, "id")
	}
	if m.Type == "" {
		missing = append(missing, "type")
	}
	if m.Data == nil {
		missing = append(missing, "data")
	}
	if m.Importance < 0 || m.Importance > 1 {
		missing = append(missing, "importance")
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}
