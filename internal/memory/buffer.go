// Package memory implements session-scoped short-term memory: a
// token-budgeted conversation buffer, a working-context scratchpad, and a
// bounded pending-promotion queue. None of the types in this package are
// safe for concurrent use on their own; ShortTerm serializes access with a
// per-session mutex.
package memory

import (
	"time"

	"github.com/seshat-ai/seshat/internal/tokens"
	"github.com/seshat-ai/seshat/pkg/models"
)

// ConversationBuffer is a chronologically-ordered message list with
// token-aware eviction. After any mutation, the retained total stays at or
// below the budget's eviction threshold; eviction removes from the oldest
// end first.
type ConversationBuffer struct {
	budget      tokens.Budget
	est         tokens.Estimator
	maxMessages int
	messages    []models.Message
	totalTokens int
}

// NewConversationBuffer creates a buffer. A nil estimator means the
// default heuristic; maxMessages <= 0 disables the count cap.
func NewConversationBuffer(budget tokens.Budget, est tokens.Estimator, maxMessages int) *ConversationBuffer {
	if est == nil {
		est = tokens.Heuristic{}
	}
	return &ConversationBuffer{
		budget:      budget,
		est:         est,
		maxMessages: maxMessages,
	}
}

// Add appends a message, caching its token estimate, then evicts oldest
// messages until the token invariant and the optional count cap hold.
// The evicted messages are returned oldest-first so callers can feed them
// into the promotion queue.
//
// The eviction loop carries the running total forward instead of
// recomputing the sum of the remaining messages on every removal.
func (b *ConversationBuffer) Add(m models.Message) []models.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.EstimatedTokens == 0 {
		m.EstimatedTokens = tokens.EstimateMessageTokens(b.est, m)
	}
	b.messages = append(b.messages, m)
	b.totalTokens += m.EstimatedTokens

	var evicted []models.Message
	for len(b.messages) > 0 {
		overCount := b.maxMessages > 0 && len(b.messages) > b.maxMessages
		if !overCount && !b.budget.ShouldEvict(b.totalTokens) {
			break
		}
		oldest := b.messages[0]
		b.messages = b.messages[1:]
		b.totalTokens -= oldest.EstimatedTokens
		evicted = append(evicted, oldest)
	}
	return evicted
}

// Recent returns the last n messages in chronological order. n <= 0 or
// n >= count returns the full buffer.
func (b *ConversationBuffer) Recent(n int) []models.Message {
	if n <= 0 || n >= len(b.messages) {
		return b.All()
	}
	out := make([]models.Message, n)
	copy(out, b.messages[len(b.messages)-n:])
	return out
}

// All returns a copy of every retained message, oldest first.
func (b *ConversationBuffer) All() []models.Message {
	out := make([]models.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Count returns the number of retained messages.
func (b *ConversationBuffer) Count() int {
	return len(b.messages)
}

// TokenCount returns the running token total of retained messages.
func (b *ConversationBuffer) TokenCount() int {
	return b.totalTokens
}

// Trim evicts oldest messages until the total is at or below
// targetTokens. Already under target is a no-op. Returns the evicted
// messages oldest-first.
func (b *ConversationBuffer) Trim(targetTokens int) []models.Message {
	var evicted []models.Message
	for len(b.messages) > 0 && b.totalTokens > targetTokens {
		oldest := b.messages[0]
		b.messages = b.messages[1:]
		b.totalTokens -= oldest.EstimatedTokens
		evicted = append(evicted, oldest)
	}
	return evicted
}

// Clear empties the buffer and resets the token total.
func (b *ConversationBuffer) Clear() {
	b.messages = nil
	b.totalTokens = 0
}

// Find returns the messages matching pred, oldest first.
func (b *ConversationBuffer) Find(pred func(models.Message) bool) []models.Message {
	var out []models.Message
	for _, m := range b.messages {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}
