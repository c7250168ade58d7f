// Package ltm implements the long-term memory tier: session-scoped
// handles over the shared database, plus the retrieval engine that ranks
// persisted memories for a query.
package ltm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seshat-ai/seshat/internal/db"
	"github.com/seshat-ai/seshat/pkg/models"
)

// Store hands out per-session handles over one shared database. Opening
// the same session id twice returns the same handle, so two opens always
// observe the same underlying data.
type Store struct {
	db       *db.Store
	mu       sync.Mutex
	handles  map[string]*Handle
	onMutate func(sessionID string)
}

// NewStore creates the handle registry over an open database.
func NewStore(database *db.Store) *Store {
	return &Store{
		db:      database,
		handles: make(map[string]*Handle),
	}
}

// SetInvalidator registers a callback fired after any mutation of a
// session's memories. The retrieval engine uses it to drop stale cache
// entries for exactly that session.
func (s *Store) SetInvalidator(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMutate = fn
}

// Open returns the handle scoped to sessionID, creating it on first use.
// Idempotent: a second Open returns the same handle, not a duplicate.
func (s *Store) Open(sessionID string) (*Handle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("open handle: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[sessionID]; ok {
		return h, nil
	}
	h := &Handle{sessionID: sessionID, db: s.db, store: s}
	s.handles[sessionID] = h
	return h, nil
}

// Release closes the session's handle and removes it from the registry.
// Persisted data is kept; only the handle becomes unusable.
func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	if ok {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()

	if ok {
		h.closed.Store(true)
	}
}

// HandleCount returns the number of open handles.
func (s *Store) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Store) notifyMutate(sessionID string) {
	s.mu.Lock()
	fn := s.onMutate
	s.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
}

// Filter narrows a Query call. Zero values are no-ops; provided filters
// combine with AND semantics. Limit truncates after filtering.
type Filter struct {
	Type          models.MemoryType
	MinImportance float64
	Limit         int
}

// Handle is the session-scoped view of the long-term store. Operations
// against one handle can never observe or mutate rows created through a
// handle for a different session.
type Handle struct {
	sessionID string
	db        *db.Store
	store     *Store
	closed    atomic.Bool
}

// SessionID returns the owning session id.
func (h *Handle) SessionID() string { return h.sessionID }

// Closed reports whether the handle has been released.
func (h *Handle) Closed() bool { return h.closed.Load() }

func (h *Handle) guard() error {
	if h.closed.Load() {
		return models.ErrSessionClosed
	}
	return nil
}

// scoped returns a query builder pre-filtered to this handle's session.
func (h *Handle) scoped(ctx context.Context) *gorm.DB {
	return h.db.DB.WithContext(ctx).Where("session_id = ?", h.sessionID)
}

// Persist validates and stores a memory, stamping session_id from the
// handle (a caller-supplied session id is overridden) and both
// timestamps. An existing id is upserted with its created_at preserved.
func (h *Handle) Persist(ctx context.Context, mem *models.Memory) (*models.Memory, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}

	m := *mem
	m.SessionID = h.sessionID
	if err := m.ValidateForPersist(); err != nil {
		return nil, err
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	rec := db.FromMemory(&m)
	err := h.db.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type", "data", "importance", "updated_at", "updated_at_epoch",
		}),
	}).Create(rec).Error
	if err != nil {
		return nil, fmt.Errorf("persist memory %s: %w", m.ID, err)
	}

	h.store.notifyMutate(h.sessionID)

	// Re-read so upserts return the preserved created_at.
	return h.Get(ctx, m.ID)
}

// Get returns the memory with the given id, scoped to this session.
func (h *Handle) Get(ctx context.Context, id string) (*models.Memory, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}

	var rec db.MemoryRecord
	err := h.scoped(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return rec.ToMemory(), nil
}

// Query returns the session's memories matching every provided filter,
// newest first.
func (h *Handle) Query(ctx context.Context, f Filter) ([]*models.Memory, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}

	q := h.scoped(ctx).Order("created_at_epoch DESC")
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.MinImportance > 0 {
		q = q.Where("importance >= ?", f.MinImportance)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []db.MemoryRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	out := make([]*models.Memory, len(recs))
	for i := range recs {
		out[i] = recs[i].ToMemory()
	}
	return out, nil
}

// Update merges a patch into an existing memory. Recognized patch keys
// are "type", "data", and "importance"; created_at is always preserved
// and updated_at refreshed.
func (h *Handle) Update(ctx context.Context, id string, patch map[string]any) (*models.Memory, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}

	var rec db.MemoryRecord
	err := h.scoped(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update memory %s: %w", id, err)
	}

	updates := map[string]any{}
	if v, ok := patch["type"]; ok {
		updates["type"] = fmt.Sprintf("%v", v)
	}
	if v, ok := patch["data"]; ok {
		if data, ok := v.(map[string]any); ok {
			updates["data"] = models.JSONMap(data)
		} else if data, ok := v.(models.JSONMap); ok {
			updates["data"] = data
		}
	}
	if v, ok := patch["importance"]; ok {
		if f, ok := v.(float64); ok {
			updates["importance"] = f
		}
	}
	now := time.Now()
	updates["updated_at"] = now.Format(time.RFC3339Nano)
	updates["updated_at_epoch"] = now.UnixMilli()

	err = h.db.DB.WithContext(ctx).Model(&db.MemoryRecord{}).
		Where("session_id = ? AND id = ?", h.sessionID, id).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update memory %s: %w", id, err)
	}

	h.store.notifyMutate(h.sessionID)
	return h.Get(ctx, id)
}

// Delete removes the memory with the given id.
func (h *Handle) Delete(ctx context.Context, id string) error {
	if err := h.guard(); err != nil {
		return err
	}

	res := h.db.DB.WithContext(ctx).
		Where("session_id = ? AND id = ?", h.sessionID, id).
		Delete(&db.MemoryRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete memory %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrMemoryNotFound
	}

	h.store.notifyMutate(h.sessionID)
	return nil
}

// Count returns how many memories the session holds.
func (h *Handle) Count(ctx context.Context) (int64, error) {
	if err := h.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := h.db.DB.WithContext(ctx).Model(&db.MemoryRecord{}).
		Where("session_id = ?", h.sessionID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}

// Clear removes every memory belonging to this session only.
func (h *Handle) Clear(ctx context.Context) error {
	if err := h.guard(); err != nil {
		return err
	}

	err := h.db.DB.WithContext(ctx).
		Where("session_id = ?", h.sessionID).
		Delete(&db.MemoryRecord{}).Error
	if err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}

	h.store.notifyMutate(h.sessionID)
	return nil
}
