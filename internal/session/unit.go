package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seshat-ai/seshat/internal/events"
	"github.com/seshat-ai/seshat/internal/ltm"
	"github.com/seshat-ai/seshat/internal/memory"
	"github.com/seshat-ai/seshat/internal/promotion"
	"github.com/seshat-ai/seshat/internal/telemetry"
	"github.com/seshat-ai/seshat/pkg/models"
)

// crashReport is the asynchronous notification a unit sends when it
// recovers a panic. The manager observes these; nothing propagates a
// fault signal into the manager itself.
type crashReport struct {
	sessionID string
	err       error
}

// unit owns the live resources of one session: its state record, its
// short-term memory, its long-term handle, and its promotion engine.
// The state mutex is per-unit, so sessions never contend with each
// other.
type unit struct {
	id     string
	mu     sync.Mutex
	state  *models.SessionState
	stm    *memory.ShortTerm
	handle *ltm.Handle
	engine *promotion.Engine

	ctx     context.Context
	cancel  context.CancelFunc
	crashCh chan<- crashReport
	crashed sync.Once
	done    chan struct{}
}

// newUnit allocates the resources of one session. The background loop
// is started separately via start().
func newUnit(parent context.Context, state *models.SessionState, stm *memory.ShortTerm, handle *ltm.Handle, crashCh chan<- crashReport) *unit {
	ctx, cancel := context.WithCancel(parent)
	return &unit{
		id:      state.ID,
		state:   state,
		stm:     stm,
		handle:  handle,
		engine:  promotion.New(),
		ctx:     ctx,
		cancel:  cancel,
		crashCh: crashCh,
		done:    make(chan struct{}),
	}
}

// start launches the unit's background loop: periodic implicit
// promotion until the unit is stopped. A panic anywhere in the loop is
// recovered at the unit boundary and reported, never propagated.
func (u *unit) start(interval time.Duration, opts promotion.Options) {
	go func() {
		defer close(u.done)
		defer u.recoverCrash()

		if interval <= 0 {
			<-u.ctx.Done()
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-u.ctx.Done():
				return
			case <-ticker.C:
				u.engine.EvaluateAndPromote(u.ctx, u.stm, u.handle, opts)
			}
		}
	}()
}

// wireEvents hooks the unit's promotion engine into the manager's bus
// and counters. Fires outside the STM lock, after each persist.
func (u *unit) wireEvents(m *Manager) {
	u.engine.OnPromoted = func(mem *models.Memory, confidence float64) {
		telemetry.Count(u.ctx, m.metricsCounter().MemoriesPromoted, 1, telemetry.SessionAttr(u.id))
		m.publish(events.Event{
			Type:      events.TypeMemoryPromoted,
			SessionID: u.id,
			Payload: map[string]any{
				"memory_id":  mem.ID,
				"type":       string(mem.Type),
				"confidence": confidence,
			},
		})
	}
}

// stop cancels the unit and waits briefly for its loop to exit.
func (u *unit) stop() {
	u.cancel()
	select {
	case <-u.done:
	case <-time.After(2 * time.Second):
		log.Warn().Str("sessionId", u.id).Msg("Session loop did not stop in time")
	}
}

// recoverCrash converts a panic into a crash report. The report channel
// is buffered by the manager; a second crash of the same unit is logged
// and dropped.
func (u *unit) recoverCrash() {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("session unit panic: %v", r)
	log.Error().
		Str("sessionId", u.id).
		Str("stack", string(debug.Stack())).
		Msg(err.Error())

	u.crashed.Do(func() {
		select {
		case u.crashCh <- crashReport{sessionID: u.id, err: err}:
		default:
			log.Error().Str("sessionId", u.id).Msg("Crash report dropped, monitor channel full")
		}
	})
}

// safely runs a session operation with the unit's crash boundary: a
// panic inside fn is contained, reported, and surfaced to the caller as
// an error instead of unwinding into the manager.
func (u *unit) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("session unit panic: %v", r)
			log.Error().
				Str("sessionId", u.id).
				Str("stack", string(debug.Stack())).
				Msg(perr.Error())
			u.crashed.Do(func() {
				select {
				case u.crashCh <- crashReport{sessionID: u.id, err: perr}:
				default:
				}
			})
			err = perr
		}
	}()
	return fn()
}

// snapshot returns a deep copy of the state record.
func (u *unit) snapshot() *models.SessionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.Clone()
}

// transition applies one lifecycle edge under the unit lock and returns
// the previous status.
func (u *unit) transition(to models.SessionStatus) (models.SessionStatus, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.state.Status
	if err := u.state.Transition(to); err != nil {
		return prev, err
	}
	return prev, nil
}

// markCrashed forces the terminal state with the crash error recorded.
// The lifecycle graph is bypassed deliberately: a crash is observed
// after the fact, and the record must reflect it whatever state the
// session was in.
func (u *unit) markCrashed(err error) models.SessionStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.state.Status
	u.state.Status = models.StatusTerminated
	u.state.Error = err.Error()
	u.state.UpdatedAt = time.Now()
	return prev
}

// touchActive records activity: an idle session wakes back to active.
// Returns the previous status and whether it changed.
func (u *unit) touchActive() (models.SessionStatus, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.state.Status
	if prev == models.StatusIdle {
		if err := u.state.Transition(models.StatusActive); err == nil {
			return prev, true
		}
	}
	u.state.Touch()
	return prev, false
}

// status returns the current status under the unit lock.
func (u *unit) status() models.SessionStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.Status
}

// idleSince reports whether the session has been inactive beyond its
// configured timeout.
func (u *unit) idleSince(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Status != models.StatusActive {
		return false
	}
	timeout := time.Duration(u.state.Config.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		return false
	}
	return now.Sub(u.state.UpdatedAt) >= timeout
}

// recordConversation bumps the conversation counter.
func (u *unit) recordConversation() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state.ConversationCount++
	u.state.UpdatedAt = time.Now()
}
