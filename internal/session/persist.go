package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seshat-ai/seshat/internal/db"
	"github.com/seshat-ai/seshat/pkg/models"
)

// SavedInfo describes one durable session snapshot.
type SavedInfo struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	SavedAt   time.Time `json:"saved_at"`
}

// SaveSession snapshots a session's state record to durable storage so
// it can be restored after a process restart. Saving again overwrites
// the previous snapshot.
func (m *Manager) SaveSession(ctx context.Context, id string) error {
	u, err := m.lookup(id)
	if err != nil {
		return err
	}

	state := u.snapshot()
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", id, err)
	}

	now := time.Now()
	row := &db.SavedSession{
		SessionID:    id,
		State:        payload,
		SavedAt:      now.Format(time.RFC3339Nano),
		SavedAtEpoch: now.UnixMilli(),
	}
	err = m.dbs.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}

	log.Info().Str("sessionId", id).Msg("Session saved")
	return nil
}

// ListSaved returns the durable snapshots, newest first.
func (m *Manager) ListSaved(ctx context.Context) ([]SavedInfo, error) {
	var rows []db.SavedSession
	err := m.dbs.DB.WithContext(ctx).
		Order("saved_at_epoch DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list saved sessions: %w", err)
	}

	out := make([]SavedInfo, 0, len(rows))
	for _, row := range rows {
		info := SavedInfo{SessionID: row.SessionID}
		if t, perr := time.Parse(time.RFC3339Nano, row.SavedAt); perr == nil {
			info.SavedAt = t
		}
		var state models.SessionState
		if json.Unmarshal(row.State, &state) == nil {
			info.Status = string(state.Status)
		}
		out = append(out, info)
	}
	return out, nil
}

// RestoreSession creates a new live session from a durable snapshot.
// The restored session gets a fresh id and starts with the saved
// config, LLM config, and metadata; the originating id is recorded in
// metadata under restored_from. Long-term memories of the original
// session remain reachable through its own id.
func (m *Manager) RestoreSession(ctx context.Context, savedID string) (*models.SessionState, error) {
	var row db.SavedSession
	err := m.dbs.DB.WithContext(ctx).
		Where("session_id = ?", savedID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load saved session %s: %w", savedID, err)
	}

	var saved models.SessionState
	if err := json.Unmarshal(row.State, &saved); err != nil {
		return nil, fmt.Errorf("decode saved session %s: %w", savedID, err)
	}

	metadata := saved.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["restored_from"] = savedID

	state, err := m.Create(ctx, CreateOptions{
		Config:    &saved.Config,
		LLMConfig: saved.LLMConfig,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("savedSessionId", savedID).
		Str("sessionId", state.ID).
		Msg("Session restored")
	return state, nil
}

// DeleteSaved removes a durable snapshot. The original session's
// long-term memories are not touched.
func (m *Manager) DeleteSaved(ctx context.Context, savedID string) error {
	res := m.dbs.DB.WithContext(ctx).
		Where("session_id = ?", savedID).
		Delete(&db.SavedSession{})
	if res.Error != nil {
		return fmt.Errorf("delete saved session %s: %w", savedID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}
