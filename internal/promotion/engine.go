// Package promotion implements the engine that migrates short-term
// pending items into long-term storage. Decisions are computed inside
// the session's STM lock; long-term writes always happen outside it.
package promotion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seshat-ai/seshat/internal/ltm"
	"github.com/seshat-ai/seshat/internal/memory"
	"github.com/seshat-ai/seshat/pkg/models"
)

// Options tunes one promotion cycle.
type Options struct {
	// BatchSize bounds how many items are resolved (promoted or failed)
	// per implicit cycle. Skipped-and-re-enqueued items do not count
	// against the batch.
	BatchSize int

	// MinImportance is the promotion threshold; a score exactly at the
	// threshold promotes.
	MinImportance float64

	// MaxAge force-promotes items that waited this long regardless of
	// score.
	MaxAge time.Duration

	// MinConfidence gates candidates after the importance/age checks.
	MinConfidence float64

	// InferTypes fills in a missing type from the payload heuristic
	// before persisting.
	InferTypes bool
}

// DefaultOptions returns the cycle defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:     10,
		MinImportance: 0.5,
		MaxAge:        5 * time.Minute,
		MinConfidence: 0.3,
		InferTypes:    true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MinImportance <= 0 {
		o.MinImportance = d.MinImportance
	}
	if o.MaxAge <= 0 {
		o.MaxAge = d.MaxAge
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = d.MinConfidence
	}
	return o
}

// Skip reasons reported in cycle results.
const (
	ReasonBelowThreshold = "below_threshold"
	ReasonLowConfidence  = "low_confidence"
)

// highImportanceOverride promotes regardless of age. The override is
// checked before the age path, so the documented total order is:
// threshold, override, age, skip.
const highImportanceOverride = 0.8

// Action is the outcome of evaluating one item.
type Action int

const (
	ActionSkip Action = iota
	ActionPromote
)

// Decision is the evaluation verdict for one item.
type Decision struct {
	Action     Action
	Confidence float64
	Reason     string // set for skips
}

// Skipped reports one skipped item in a cycle result.
type Skipped struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Failed reports one dropped item in a cycle result.
type Failed struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result is the outcome of one promotion cycle. One item's failure never
// aborts the rest of the batch.
type Result struct {
	Promoted []string  `json:"promoted"`
	Skipped  []Skipped `json:"skipped"`
	Failed   []Failed  `json:"failed"`
}

// Engine evaluates pending items and persists the accepted ones.
// Cycles for one session are serialized; engines of different sessions
// share nothing.
type Engine struct {
	mu  sync.Mutex
	now func() time.Time

	// OnPromoted fires after a successful persist, outside the STM lock.
	OnPromoted func(mem *models.Memory, confidence float64)
}

// New creates an engine for one session.
func New() *Engine {
	return &Engine{now: time.Now}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// EvaluateAndPromote runs one implicit cycle: it drains a bounded batch
// from the pending queue, persists accepted items, drops invalid ones,
// and re-enqueues skips for a later cycle.
//
// Termination: a per-invocation seen set detects when only re-enqueued
// items remain, and a hard iteration cap bounds the loop even when a
// concurrent producer keeps feeding never-promotable items.
func (e *Engine) EvaluateAndPromote(ctx context.Context, stm *memory.ShortTerm, handle *ltm.Handle, opts Options) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts = opts.withDefaults()
	result := &Result{Promoted: []string{}, Skipped: []Skipped{}, Failed: []Failed{}}

	seen := make(map[string]bool)
	maxIters := stm.PendingSize() + stm.PendingCap()

	for iter := 0; iter < maxIters; iter++ {
		if ctx.Err() != nil {
			break
		}
		if len(result.Promoted)+len(result.Failed) >= opts.BatchSize {
			break
		}

		item, ok := stm.DequeuePending()
		if !ok {
			break
		}
		if seen[item.ID] {
			// Only re-enqueued items remain; the cycle is done.
			stm.RequeuePending(item)
			break
		}
		seen[item.ID] = true

		decision, err := e.evaluateItem(item, opts)
		if err != nil {
			// Invalid items are dropped, not re-enqueued: a poison item
			// must not loop forever.
			result.Failed = append(result.Failed, Failed{ID: item.ID, Error: err.Error()})
			continue
		}
		if decision.Action == ActionSkip {
			stm.RequeuePending(item)
			result.Skipped = append(result.Skipped, Skipped{ID: item.ID, Reason: decision.Reason})
			continue
		}

		mem, perr := e.persist(ctx, handle, item, decision.Confidence, opts)
		if perr != nil {
			result.Failed = append(result.Failed, Failed{ID: item.ID, Error: perr.Error()})
			continue
		}
		result.Promoted = append(result.Promoted, mem.ID)
	}

	log.Debug().
		Str("sessionId", stm.SessionID()).
		Int("promoted", len(result.Promoted)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Msg("Promotion cycle finished")
	return result
}

// PromoteAll runs one explicit cycle: every pending item is persisted
// unconditionally, criteria bypassed. Only validation and storage errors
// fail, and nothing is re-enqueued.
func (e *Engine) PromoteAll(ctx context.Context, stm *memory.ShortTerm, handle *ltm.Handle, opts Options) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts = opts.withDefaults()
	result := &Result{Promoted: []string{}, Skipped: []Skipped{}, Failed: []Failed{}}

	for {
		if ctx.Err() != nil {
			break
		}
		item, ok := stm.DequeuePending()
		if !ok {
			break
		}
		if err := item.Validate(); err != nil {
			result.Failed = append(result.Failed, Failed{ID: item.ID, Error: err.Error()})
			continue
		}

		confidence := e.calculateConfidence(item, opts)
		mem, err := e.persist(ctx, handle, item, confidence, opts)
		if err != nil {
			result.Failed = append(result.Failed, Failed{ID: item.ID, Error: err.Error()})
			continue
		}
		result.Promoted = append(result.Promoted, mem.ID)
	}

	log.Debug().
		Str("sessionId", stm.SessionID()).
		Int("promoted", len(result.Promoted)).
		Int("failed", len(result.Failed)).
		Msg("Explicit promotion finished")
	return result
}

// EvaluateItem applies the promotion criteria to one item without
// touching any queue or store.
func (e *Engine) EvaluateItem(item models.PendingItem, opts Options) (Decision, error) {
	return e.evaluateItem(item, opts.withDefaults())
}

func (e *Engine) evaluateItem(item models.PendingItem, opts Options) (Decision, error) {
	if err := item.Validate(); err != nil {
		return Decision{}, err
	}

	now := e.now()
	importance := item.Importance
	if importance == 0 {
		importance = memory.ImportanceAt(item, now)
	}

	candidate := false
	switch {
	case importance >= opts.MinImportance:
		candidate = true
	case importance >= highImportanceOverride:
		// Unreachable while MinImportance <= 0.8; kept explicit so a
		// raised threshold still honors the override.
		candidate = true
	case item.Age(now) >= opts.MaxAge:
		candidate = true
	}
	if !candidate {
		return Decision{Action: ActionSkip, Reason: ReasonBelowThreshold}, nil
	}

	confidence := e.calculateConfidence(item, opts)
	if confidence < opts.MinConfidence {
		return Decision{Action: ActionSkip, Reason: ReasonLowConfidence}, nil
	}
	return Decision{Action: ActionPromote, Confidence: confidence}, nil
}

// Confidence weights.
const (
	confWeightImportance = 0.4
	confWeightQuality    = 0.3
	confWeightType       = 0.2
	confWeightRecency    = 0.1
)

// CalculateConfidence scores how defensible a promotion is.
func (e *Engine) CalculateConfidence(item models.PendingItem, opts Options) float64 {
	return e.calculateConfidence(item, opts.withDefaults())
}

func (e *Engine) calculateConfidence(item models.PendingItem, opts Options) float64 {
	now := e.now()

	importance := item.Importance
	if importance == 0 {
		importance = memory.ImportanceAt(item, now)
	}

	// Data quality: a populated payload scores full marks, an explicit
	// nil scores poorly, a present-but-empty map sits in between.
	quality := 0.0
	switch {
	case len(item.Data) > 0:
		quality = 1.0
	case item.Data != nil:
		quality = 0.5
	case item.HasData:
		quality = 0.2
	}

	// Type specificity: an explicit type beats an inferred one.
	typeSpec := 0.3
	if item.Type != "" && item.Type.Valid() {
		typeSpec = 1.0
	}

	// Recency bonus: fades linearly over the max-age window.
	recency := 1 - item.Age(now).Seconds()/opts.MaxAge.Seconds()
	if recency < 0 {
		recency = 0
	}

	conf := importance*confWeightImportance +
		quality*confWeightQuality +
		typeSpec*confWeightType +
		recency*confWeightRecency
	if conf > 1 {
		conf = 1
	}
	return conf
}

// persist writes an accepted item to long-term storage, inferring a
// missing type when configured.
func (e *Engine) persist(ctx context.Context, handle *ltm.Handle, item models.PendingItem, confidence float64, opts Options) (*models.Memory, error) {
	memType := item.Type
	if memType == "" && opts.InferTypes {
		memType = models.InferTypeFromData(item.Data)
	}
	if memType == "" {
		memType = models.TypeFact
	}

	importance := item.Importance
	if importance == 0 {
		importance = memory.ImportanceAt(item, e.now())
	}

	data := models.JSONMap(item.Data)
	if data == nil {
		data = models.JSONMap{}
	}

	mem, err := handle.Persist(ctx, &models.Memory{
		ID:         item.ID,
		Type:       memType,
		Data:       data,
		Importance: importance,
	})
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", item.ID, err)
	}

	if e.OnPromoted != nil {
		e.OnPromoted(mem, confidence)
	}
	return mem, nil
}
