// Package session implements the lifecycle manager: a linearized
// registry of per-session units, each owning its own short-term memory,
// long-term handle, and promotion engine. A unit's crash is observed by
// the manager through a monitor channel and contained at the session
// boundary.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/seshat-ai/seshat/internal/db"
	"github.com/seshat-ai/seshat/internal/events"
	"github.com/seshat-ai/seshat/internal/ltm"
	"github.com/seshat-ai/seshat/internal/memory"
	"github.com/seshat-ai/seshat/internal/privacy"
	"github.com/seshat-ai/seshat/internal/promotion"
	"github.com/seshat-ai/seshat/internal/telemetry"
	"github.com/seshat-ai/seshat/internal/tokens"
	"github.com/seshat-ai/seshat/pkg/models"
)

// Options tunes the lifecycle manager.
type Options struct {
	// CreateTimeout bounds STM/LTM allocation during Create. Exceeding it
	// rolls back partial allocations and returns ErrTimeout.
	CreateTimeout time.Duration

	// ReapGrace delays registry removal after termination so in-flight
	// readers see the terminal state rather than a lookup miss.
	ReapGrace time.Duration

	// SweepInterval is how often active sessions are checked against
	// their inactivity timeout and moved to idle.
	SweepInterval time.Duration

	// PromotionInterval drives each unit's implicit promotion loop.
	// Zero disables the loop; promotion then only happens on demand.
	PromotionInterval time.Duration

	// DefaultTimeoutMin overrides the default inactivity timeout for
	// sessions created without an explicit config.
	DefaultTimeoutMin int

	Budget    tokens.Budget
	Estimator tokens.Estimator
	Promotion promotion.Options
}

// DefaultOptions returns the manager defaults.
func DefaultOptions() Options {
	return Options{
		CreateTimeout:     10 * time.Second,
		ReapGrace:         30 * time.Second,
		SweepInterval:     time.Minute,
		PromotionInterval: 30 * time.Second,
		Budget:            tokens.DefaultBudget(),
		Promotion:         promotion.DefaultOptions(),
	}
}

// CreateOptions are the caller-supplied settings for a new session.
type CreateOptions struct {
	SessionID string // optional; generated when empty
	Config    *models.SessionConfig
	LLMConfig map[string]any
	Metadata  map[string]any
}

// Manager is the process-wide session registry. All registry mutations
// (create, terminate, crash handling, reaping) are linearized behind one
// mutex; per-session operations take only that session's unit lock.
type Manager struct {
	mu    sync.RWMutex
	units map[string]*unit

	dbs       *db.Store
	ltm       *ltm.Store
	retrieval *ltm.Retrieval
	bus       *events.Bus
	metrics   *telemetry.Metrics
	opts      Options

	rootCtx context.Context
	cancel  context.CancelFunc
	crashCh chan crashReport
	wg      sync.WaitGroup
	closed  bool
}

// NewManager wires the manager and starts its crash monitor and idle
// sweeper.
func NewManager(dbs *db.Store, store *ltm.Store, retrieval *ltm.Retrieval, bus *events.Bus, metrics *telemetry.Metrics, opts Options) *Manager {
	def := DefaultOptions()
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = def.CreateTimeout
	}
	if opts.ReapGrace <= 0 {
		opts.ReapGrace = def.ReapGrace
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.Budget.MaxTokens == 0 {
		opts.Budget = def.Budget
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		units:     make(map[string]*unit),
		dbs:       dbs,
		ltm:       store,
		retrieval: retrieval,
		bus:       bus,
		metrics:   metrics,
		opts:      opts,
		rootCtx:   ctx,
		cancel:    cancel,
		crashCh:   make(chan crashReport, 16),
	}

	if retrieval != nil {
		retrieval.SetCacheHitHook(func(sessionID string) {
			telemetry.Count(m.rootCtx, m.metricsCounter().RetrievalCacheHits,
				1, telemetry.SessionAttr(sessionID))
		})
	}

	m.wg.Add(2)
	go m.monitorCrashes()
	go m.sweepIdle()
	return m
}

// Create allocates a new session: a state record in initializing, STM,
// an open LTM handle, and the unit's background loop. On success the
// session transitions to active and lifecycle events are emitted.
// Allocation is bounded by CreateTimeout; on timeout or failure every
// partially-allocated resource is rolled back.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*models.SessionState, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	cfg := models.DefaultSessionConfig()
	if m.opts.DefaultTimeoutMin > 0 {
		cfg.TimeoutMinutes = m.opts.DefaultTimeoutMin
	}
	if opts.Config != nil {
		cfg = *opts.Config
	}
	state := models.NewSessionState(id, cfg, opts.LLMConfig, opts.Metadata)

	// Reserve the id before allocating, insert-if-absent.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, models.ErrSessionClosed
	}
	if _, exists := m.units[id]; exists {
		m.mu.Unlock()
		return nil, &models.MissingFieldsError{Fields: []string{"session_id (already in use)"}}
	}
	m.units[id] = nil // placeholder holds the slot during allocation
	m.mu.Unlock()

	rollback := func() {
		m.ltm.Release(id)
		m.mu.Lock()
		delete(m.units, id)
		m.mu.Unlock()
	}

	type allocResult struct {
		u   *unit
		err error
	}
	allocCh := make(chan allocResult, 1)
	go func() {
		stm := memory.NewShortTerm(id, memory.Options{
			Budget:          m.opts.Budget,
			Estimator:       m.opts.Estimator,
			MaxMessages:     cfg.MaxConversations,
			MaxContextItems: 100,
			MaxPending:      200,
			FeedEvicted:     true,
		})
		handle, err := m.ltm.Open(id)
		if err != nil {
			allocCh <- allocResult{err: err}
			return
		}
		allocCh <- allocResult{u: newUnit(m.rootCtx, state, stm, handle, m.crashCh)}
	}()

	timer := time.NewTimer(m.opts.CreateTimeout)
	defer timer.Stop()

	var u *unit
	select {
	case res := <-allocCh:
		if res.err != nil {
			state.Status = models.StatusTerminated
			state.Error = res.err.Error()
			rollback()
			return nil, res.err
		}
		u = res.u
	case <-timer.C:
		// The allocation goroutine will finish eventually; release its
		// handle when it does.
		go func() {
			if res := <-allocCh; res.u != nil {
				res.u.cancel()
			}
			m.ltm.Release(id)
		}()
		m.mu.Lock()
		delete(m.units, id)
		m.mu.Unlock()
		return nil, models.ErrTimeout
	case <-ctx.Done():
		go func() {
			if res := <-allocCh; res.u != nil {
				res.u.cancel()
			}
			m.ltm.Release(id)
		}()
		m.mu.Lock()
		delete(m.units, id)
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	u.wireEvents(m)
	if _, err := u.transition(models.StatusActive); err != nil {
		rollback()
		return nil, err
	}
	u.start(m.opts.PromotionInterval, m.opts.Promotion)

	m.mu.Lock()
	m.units[id] = u
	m.mu.Unlock()

	telemetry.Count(ctx, m.metricsCounter().SessionsCreated, 1)
	m.publish(events.Event{
		Type:      events.TypeSessionCreated,
		SessionID: id,
		Payload:   map[string]any{"metadata": state.Metadata},
	})
	m.publishStatus(id, models.StatusActive, models.StatusInitializing)

	log.Info().Str("sessionId", id).Msg("Session created")
	return u.snapshot(), nil
}

// Terminate moves a session to terminating, drains its resources,
// finishes in terminated, and schedules asynchronous removal from the
// registry after the reap grace window.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	u, err := m.lookup(id)
	if err != nil {
		return err
	}

	prev, err := u.transition(models.StatusTerminating)
	if err != nil {
		return err
	}
	m.publishStatus(id, models.StatusTerminating, prev)

	u.stop()
	m.ltm.Release(id)

	if _, err := u.transition(models.StatusTerminated); err != nil {
		// terminating -> terminated is always a legal edge; a failure
		// here means the record was concurrently forced terminal.
		log.Warn().Str("sessionId", id).Err(err).Msg("Terminal transition raced")
	}
	m.publishStatus(id, models.StatusTerminated, models.StatusTerminating)
	m.publish(events.Event{Type: events.TypeSessionTerminated, SessionID: id})
	telemetry.Count(ctx, m.metricsCounter().SessionsTerminated, 1)

	m.scheduleReap(id)
	log.Info().Str("sessionId", id).Msg("Session terminated")
	return nil
}

// GetInfo returns a deep copy of the session's state record. Terminated
// sessions still pending reap are visible.
func (m *Manager) GetInfo(id string) (*models.SessionState, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.snapshot(), nil
}

// List returns state snapshots for every registered session, including
// terminated ones still inside the reap grace window.
func (m *Manager) List() []*models.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SessionState, 0, len(m.units))
	for _, u := range m.units {
		if u == nil {
			continue // still allocating
		}
		out = append(out, u.snapshot())
	}
	return out
}

// SendMessage appends a conversation turn to the session's buffer. An
// idle session wakes back to active. Evicted turns feed the pending
// queue as promotion candidates.
func (m *Manager) SendMessage(ctx context.Context, id string, role models.Role, content string) (models.Message, error) {
	u, err := m.lookup(id)
	if err != nil {
		return models.Message{}, err
	}
	if u.status().Terminal() {
		return models.Message{}, models.ErrSessionClosed
	}

	// Private and injected-context spans never enter stored history.
	content = privacy.Clean(content)

	var msg models.Message
	err = u.safely(func() error {
		prev, woke := u.touchActive()
		if woke {
			m.publishStatus(id, models.StatusActive, prev)
		}
		var evicted []models.Message
		msg, evicted = u.stm.AddMessage(role, content)
		u.recordConversation()
		if len(evicted) > 0 {
			telemetry.Count(ctx, m.metricsCounter().MessagesEvicted, int64(len(evicted)), telemetry.SessionAttr(id))
		}
		return nil
	})
	if err != nil {
		m.handleCrashNow(id, err)
		return models.Message{}, err
	}

	m.publish(events.Event{
		Type:      events.TypeConversationAdded,
		SessionID: id,
		Payload: map[string]any{
			"role":      string(msg.Role),
			"content":   msg.Content,
			"timestamp": msg.Timestamp,
		},
	})
	return msg, nil
}

// RecentMessages returns the last n conversation turns.
func (m *Manager) RecentMessages(id string, n int) ([]models.Message, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.stm.RecentMessages(n), nil
}

// ClearConversation empties the session's buffer.
func (m *Manager) ClearConversation(ctx context.Context, id string) error {
	u, err := m.lookup(id)
	if err != nil {
		return err
	}
	u.stm.ClearConversation()
	m.publish(events.Event{Type: events.TypeConversationCleared, SessionID: id})
	return nil
}

// PutContext upserts a working-context key.
func (m *Manager) PutContext(id, key string, value any) error {
	u, err := m.lookup(id)
	if err != nil {
		return err
	}
	return u.safely(func() error {
		u.stm.PutContext(key, value)
		return nil
	})
}

// GetContext reads a working-context key.
func (m *Manager) GetContext(id, key string, def any) (any, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.stm.GetContext(key, def), nil
}

// ContextItems dumps the session's working context.
func (m *Manager) ContextItems(id string) ([]memory.ContextItem, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.stm.ContextItems(), nil
}

// EnqueuePending adds a promotion candidate to the session's queue. A
// full queue fails loudly with ErrQueueFull.
func (m *Manager) EnqueuePending(id string, item models.PendingItem) error {
	u, err := m.lookup(id)
	if err != nil {
		return err
	}
	return u.stm.Enqueue(item)
}

// PendingItems snapshots the session's pending queue.
func (m *Manager) PendingItems(id string) ([]models.PendingItem, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.stm.PendingItems(), nil
}

// PromoteNow runs one promotion cycle on demand. With all set, every
// pending item is promoted unconditionally.
func (m *Manager) PromoteNow(ctx context.Context, id string, all bool) (*promotion.Result, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	var res *promotion.Result
	err = u.safely(func() error {
		if all {
			res = u.engine.PromoteAll(ctx, u.stm, u.handle, m.opts.Promotion)
		} else {
			res = u.engine.EvaluateAndPromote(ctx, u.stm, u.handle, m.opts.Promotion)
		}
		return nil
	})
	if err != nil {
		m.handleCrashNow(id, err)
		return nil, err
	}
	telemetry.Count(ctx, m.metricsCounter().PromotionsSkipped, int64(len(res.Skipped)), telemetry.SessionAttr(id))
	telemetry.Count(ctx, m.metricsCounter().PromotionsFailed, int64(len(res.Failed)), telemetry.SessionAttr(id))
	return res, nil
}

// StoreMemory persists a memory directly through the session's handle,
// bypassing the promotion pipeline.
func (m *Manager) StoreMemory(ctx context.Context, id string, mem *models.Memory) (*models.Memory, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	stored, err := u.handle.Persist(ctx, mem)
	if err != nil {
		return nil, err
	}
	m.publish(events.Event{
		Type:      events.TypeMemoryStored,
		SessionID: id,
		Payload:   map[string]any{"memory_id": stored.ID, "type": string(stored.Type)},
	})
	return stored, nil
}

// GetMemory reads one persisted memory.
func (m *Manager) GetMemory(ctx context.Context, id, memoryID string) (*models.Memory, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.handle.Get(ctx, memoryID)
}

// QueryMemories scans the session's persisted memories.
func (m *Manager) QueryMemories(ctx context.Context, id string, f ltm.Filter) ([]*models.Memory, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.handle.Query(ctx, f)
}

// UpdateMemory patches one persisted memory.
func (m *Manager) UpdateMemory(ctx context.Context, id, memoryID string, patch map[string]any) (*models.Memory, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return u.handle.Update(ctx, memoryID, patch)
}

// DeleteMemory removes one persisted memory.
func (m *Manager) DeleteMemory(ctx context.Context, id, memoryID string) error {
	u, err := m.lookup(id)
	if err != nil {
		return err
	}
	return u.handle.Delete(ctx, memoryID)
}

// Retrieve runs a relevance-ranked search over the session's long-term
// memories.
func (m *Manager) Retrieve(ctx context.Context, id string, q ltm.Query) ([]ltm.Scored, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	telemetry.Count(ctx, m.metricsCounter().Retrievals, 1, telemetry.SessionAttr(id))
	return m.retrieval.Search(ctx, u.handle, q)
}

// EnrichContext assembles a token-bounded context block from retrieved
// memories.
func (m *Manager) EnrichContext(ctx context.Context, id string, q ltm.Query, opts ltm.EnrichOptions) (*ltm.Enriched, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.retrieval.EnrichContext(ctx, u.handle, q, opts)
}

// ShutdownAll terminates every live session and stops the manager's
// background loops.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.units))
	for id, u := range m.units {
		if u == nil || u.status().Terminal() {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			log.Warn().Str("sessionId", id).Err(err).Msg("Shutdown termination failed")
		}
	}

	m.cancel()
	m.wg.Wait()
	log.Info().Int("sessions", len(ids)).Msg("Session manager stopped")
}

// lookup resolves a session id to its unit. A placeholder slot (still
// allocating) reads as not found.
func (m *Manager) lookup(id string) (*unit, error) {
	m.mu.RLock()
	u, ok := m.units[id]
	m.mu.RUnlock()
	if !ok || u == nil {
		return nil, models.ErrSessionNotFound
	}
	return u, nil
}

// monitorCrashes observes unit crash reports and contains each at the
// session boundary: the crashed session is forced terminal with its
// error recorded, its handle released, and siblings are untouched.
func (m *Manager) monitorCrashes() {
	defer m.wg.Done()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case rep := <-m.crashCh:
			m.containCrash(rep)
		}
	}
}

func (m *Manager) containCrash(rep crashReport) {
	u, err := m.lookup(rep.sessionID)
	if err != nil {
		return // already reaped
	}
	if u.status().Terminal() {
		return
	}

	prev := u.markCrashed(rep.err)
	u.cancel()
	m.ltm.Release(rep.sessionID)

	telemetry.Count(m.rootCtx, m.metricsCounter().SessionCrashes, 1, telemetry.SessionAttr(rep.sessionID))
	m.publish(events.Event{
		Type:      events.TypeSessionCrashed,
		SessionID: rep.sessionID,
		Payload:   map[string]any{"error": rep.err.Error()},
	})
	m.publishStatus(rep.sessionID, models.StatusTerminated, prev)
	m.publish(events.Event{Type: events.TypeSessionTerminated, SessionID: rep.sessionID})
	m.scheduleReap(rep.sessionID)

	log.Error().
		Str("sessionId", rep.sessionID).
		Err(rep.err).
		Msg("Session crash contained")
}

// handleCrashNow applies crash containment synchronously when an
// operation-path panic was recovered, so the caller observes the
// terminal state immediately rather than after the monitor wakes. The
// report the unit queued for the same crash stays on the channel; the
// monitor's delivery is a no-op once the session is terminal. Draining
// here could swallow a different session's pending report.
func (m *Manager) handleCrashNow(id string, err error) {
	m.containCrash(crashReport{sessionID: id, err: err})
}

// sweepIdle periodically transitions inactive sessions to idle.
func (m *Manager) sweepIdle() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case now := <-ticker.C:
			m.sweepOnce(now)
		}
	}
}

func (m *Manager) sweepOnce(now time.Time) {
	m.mu.RLock()
	idle := make([]*unit, 0)
	for _, u := range m.units {
		if u != nil && u.idleSince(now) {
			idle = append(idle, u)
		}
	}
	m.mu.RUnlock()

	for _, u := range idle {
		prev, err := u.transition(models.StatusIdle)
		if err != nil {
			continue
		}
		m.publishStatus(u.id, models.StatusIdle, prev)
		log.Debug().Str("sessionId", u.id).Msg("Session idled")
	}
}

// scheduleReap removes a terminated session from the registry after the
// grace window.
func (m *Manager) scheduleReap(id string) {
	time.AfterFunc(m.opts.ReapGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if u, ok := m.units[id]; ok && u != nil && u.status().Terminal() {
			delete(m.units, id)
		}
	})
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func (m *Manager) publishStatus(id string, status, prev models.SessionStatus) {
	m.publish(events.Event{
		Type:      events.TypeSessionStatus,
		SessionID: id,
		Payload: map[string]any{
			"status":          string(status),
			"previous_status": string(prev),
			"updated_at":      time.Now(),
		},
	})
}

// metricsCounter returns the instrument set, or a zero value whose
// counters are nil and therefore no-ops under telemetry.Count.
func (m *Manager) metricsCounter() *telemetry.Metrics {
	if m.metrics == nil {
		return &telemetry.Metrics{}
	}
	return m.metrics
}
