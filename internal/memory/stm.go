package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seshat-ai/seshat/internal/tokens"
	"github.com/seshat-ai/seshat/pkg/models"
)

// Options configures a session's short-term memory.
type Options struct {
	Budget          tokens.Budget
	Estimator       tokens.Estimator
	MaxMessages     int
	MaxContextItems int
	MaxPending      int

	// FeedEvicted enqueues messages evicted from the conversation buffer
	// as conversation-type promotion candidates instead of dropping them.
	FeedEvicted bool
}

// DefaultOptions returns the per-session STM defaults.
func DefaultOptions() Options {
	return Options{
		Budget:          tokens.DefaultBudget(),
		MaxContextItems: 100,
		MaxPending:      200,
	}
}

// ShortTerm composes the conversation buffer, working context, and
// pending queue of one session behind a single mutex. At most one
// mutation is in flight per session; different sessions contend on
// nothing.
type ShortTerm struct {
	mu        sync.Mutex
	sessionID string
	opts      Options
	buffer    *ConversationBuffer
	context   *WorkingContext
	pending   *PendingQueue
	now       func() time.Time
}

// NewShortTerm allocates the three STM units for a session.
func NewShortTerm(sessionID string, opts Options) *ShortTerm {
	if opts.Budget.MaxTokens == 0 {
		opts.Budget = tokens.DefaultBudget()
	}
	if opts.MaxContextItems == 0 {
		opts.MaxContextItems = 100
	}
	if opts.MaxPending == 0 {
		opts.MaxPending = 200
	}
	return &ShortTerm{
		sessionID: sessionID,
		opts:      opts,
		buffer:    NewConversationBuffer(opts.Budget, opts.Estimator, opts.MaxMessages),
		context:   NewWorkingContext(opts.MaxContextItems),
		pending:   NewPendingQueue(opts.MaxPending),
		now:       time.Now,
	}
}

// SessionID returns the owning session id.
func (s *ShortTerm) SessionID() string { return s.sessionID }

// SetClock overrides the time source for the queue and context. Used by
// tests that advance simulated time.
func (s *ShortTerm) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.pending.now = now
	s.context.now = now
}

// AddMessage appends a conversation turn and returns the stamped message
// along with anything evicted to keep the token budget. With FeedEvicted
// set, evicted turns are re-queued as conversation promotion candidates
// (queue-full back-pressure drops them, never blocks the conversation).
func (s *ShortTerm) AddMessage(role models.Role, content string) (models.Message, []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := models.Message{Role: role, Content: content, Timestamp: s.now()}
	evicted := s.buffer.Add(m)

	if s.opts.FeedEvicted {
		for _, ev := range evicted {
			item := models.PendingItem{
				ID:   "evicted-" + uuid.NewString(),
				Type: models.TypeConversation,
				Data: map[string]any{
					"role":      string(ev.Role),
					"content":   ev.Content,
					"timestamp": ev.Timestamp.Format(time.RFC3339),
				},
				HasData:    true,
				EnqueuedAt: s.now(),
			}
			_ = s.pending.Enqueue(item)
		}
	}
	return m, evicted
}

// RecentMessages returns the last n messages in chronological order.
func (s *ShortTerm) RecentMessages(n int) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Recent(n)
}

// FindMessages filters the buffer with pred.
func (s *ShortTerm) FindMessages(pred func(models.Message) bool) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Find(pred)
}

// MessageCount returns the retained message count.
func (s *ShortTerm) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Count()
}

// TokenCount returns the retained token total.
func (s *ShortTerm) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.TokenCount()
}

// TrimConversation evicts down to targetTokens and returns the removals.
func (s *ShortTerm) TrimConversation(targetTokens int) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Trim(targetTokens)
}

// ClearConversation empties the buffer.
func (s *ShortTerm) ClearConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.Clear()
}

// PutContext upserts a scratchpad key; the LRU-evicted key is returned
// when the cap was exceeded.
func (s *ShortTerm) PutContext(key string, value any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context.Put(key, value)
}

// PutManyContext upserts a batch of scratchpad keys.
func (s *ShortTerm) PutManyContext(values map[string]any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context.PutMany(values)
}

// GetContext reads a scratchpad key, updating its access metadata.
func (s *ShortTerm) GetContext(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context.Get(key, def)
}

// DeleteContext removes a scratchpad key.
func (s *ShortTerm) DeleteContext(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context.Delete(key)
}

// ContextItems dumps the scratchpad with access metadata.
func (s *ShortTerm) ContextItems() []ContextItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context.List()
}

// SuggestContextType classifies a scratchpad key for promotion.
func (s *ShortTerm) SuggestContextType(key string, hint models.MemoryType) models.MemoryType {
	return models.InferTypeFromKey(key, hint)
}

// ClearContext empties the scratchpad.
func (s *ShortTerm) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context.Clear()
}

// Enqueue adds a promotion candidate, failing loudly on a full queue.
func (s *ShortTerm) Enqueue(item models.PendingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Enqueue(item)
}

// DequeuePending removes the oldest candidate. ok is false when empty.
func (s *ShortTerm) DequeuePending() (models.PendingItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.pending.Dequeue()
	return item, err == nil
}

// RequeuePending puts a skipped candidate at the back of the queue. The
// capacity check is bypassed: the item held a slot moments ago and a
// skip must never lose it.
func (s *ShortTerm) RequeuePending(item models.PendingItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.items = append(s.pending.items, item)
}

// PendingSize returns the queue depth.
func (s *ShortTerm) PendingSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Size()
}

// PendingCap returns the queue capacity.
func (s *ShortTerm) PendingCap() int {
	return s.opts.MaxPending
}

// PendingItems returns a snapshot of the queue in FIFO order.
func (s *ShortTerm) PendingItems() []models.PendingItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Items()
}

// ReadyForPromotion previews the candidates meeting the criteria.
func (s *ShortTerm) ReadyForPromotion(minImportance float64, maxAge time.Duration) []models.PendingItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.ReadyForPromotion(minImportance, maxAge)
}

// ClearPromoted drops the queued items with the given ids.
func (s *ShortTerm) ClearPromoted(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.ClearPromoted(ids)
}

// Clock returns the STM time source.
func (s *ShortTerm) Clock() func() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}
