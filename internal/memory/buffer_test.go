package memory

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seshat-ai/seshat/internal/tokens"
	"github.com/seshat-ai/seshat/pkg/models"
)

func newTestBuffer(maxTokens int, maxMessages int) *ConversationBuffer {
	budget := tokens.Budget{MaxTokens: maxTokens, ReservePercent: 0.1, OverheadThreshold: 0.9}
	return NewConversationBuffer(budget, nil, maxMessages)
}

// TestAddStampsTokens tests that insertion caches the token estimate.
func TestAddStampsTokens(t *testing.T) {
	b := newTestBuffer(1000, 0)
	evicted := b.Add(models.Message{Role: models.RoleUser, Content: "12345678"})

	assert.Empty(t, evicted)
	assert.Equal(t, 1, b.Count())
	// "user" -> 1, content -> 2, overhead -> 4
	assert.Equal(t, 7, b.TokenCount())
	assert.Equal(t, 7, b.All()[0].EstimatedTokens)
	assert.False(t, b.All()[0].Timestamp.IsZero())
}

// TestEvictionOldestFirst tests the eviction scenario: a 100-token budget
// with a 0.9 threshold keeps the total at or below 90 and evicts the
// oldest messages first.
func TestEvictionOldestFirst(t *testing.T) {
	b := newTestBuffer(100, 0)

	var allEvicted []models.Message
	for i := 0; i < 20; i++ {
		// each message: "user"(1) + 40 chars(10) + overhead(4) = 15 tokens
		content := fmt.Sprintf("%-40s", fmt.Sprintf("msg-%d", i))
		allEvicted = append(allEvicted, b.Add(models.Message{Role: models.RoleUser, Content: content})...)
		assert.LessOrEqual(t, b.TokenCount(), 90, "after add %d", i)
	}

	require.NotEmpty(t, allEvicted)
	// Evictions come out strictly chronologically.
	for i, m := range allEvicted {
		assert.Contains(t, m.Content, fmt.Sprintf("msg-%d", i))
	}
	// The retained tail is the newest messages in order.
	retained := b.All()
	assert.Contains(t, retained[len(retained)-1].Content, "msg-19")
}

// TestTokenInvariantRandomized tests the buffer invariant over random
// add sequences: total retained tokens never exceed max*threshold.
func TestTokenInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := newTestBuffer(200, 0)

	for i := 0; i < 500; i++ {
		content := strings.Repeat("x", 1+rng.Intn(120))
		b.Add(models.Message{Role: models.RoleAssistant, Content: content})
		assert.LessOrEqual(t, b.TokenCount(), 180)

		// The running total always equals the recomputed sum.
		sum := 0
		for _, m := range b.All() {
			sum += m.EstimatedTokens
		}
		assert.Equal(t, sum, b.TokenCount())
	}
}

// TestMaxMessagesCap tests the optional count cap independent of tokens.
func TestMaxMessagesCap(t *testing.T) {
	b := newTestBuffer(100000, 3)

	for i := 0; i < 5; i++ {
		b.Add(models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	assert.Equal(t, 3, b.Count())
	assert.Equal(t, "m2", b.All()[0].Content)
}

// TestRecent tests tail slicing semantics.
func TestRecent(t *testing.T) {
	b := newTestBuffer(100000, 0)
	for i := 0; i < 5; i++ {
		b.Add(models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	last2 := b.Recent(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "m3", last2[0].Content)
	assert.Equal(t, "m4", last2[1].Content)

	// n <= 0 and n > count both return everything.
	assert.Len(t, b.Recent(0), 5)
	assert.Len(t, b.Recent(100), 5)
}

// TestTrim tests manual eviction to a target.
func TestTrim(t *testing.T) {
	b := newTestBuffer(100000, 0)
	for i := 0; i < 10; i++ {
		b.Add(models.Message{Role: models.RoleUser, Content: strings.Repeat("a", 40)})
	}
	total := b.TokenCount()

	// Already under target: no-op.
	assert.Empty(t, b.Trim(total))
	assert.Equal(t, total, b.TokenCount())

	evicted := b.Trim(total / 2)
	assert.NotEmpty(t, evicted)
	assert.LessOrEqual(t, b.TokenCount(), total/2)
	assert.Equal(t, 10, b.Count()+len(evicted))
}

// TestClear tests the reset semantics.
func TestClear(t *testing.T) {
	b := newTestBuffer(1000, 0)
	b.Add(models.Message{Role: models.RoleUser, Content: "hello"})
	b.Clear()

	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 0, b.TokenCount())
	assert.Empty(t, b.All())
}

// TestFind tests linear filtering.
func TestFind(t *testing.T) {
	b := newTestBuffer(100000, 0)
	b.Add(models.Message{Role: models.RoleUser, Content: "question"})
	b.Add(models.Message{Role: models.RoleAssistant, Content: "answer"})
	b.Add(models.Message{Role: models.RoleUser, Content: "followup"})

	users := b.Find(func(m models.Message) bool { return m.Role == models.RoleUser })
	require.Len(t, users, 2)
	assert.Equal(t, "question", users[0].Content)

	matches := b.Find(func(m models.Message) bool { return strings.Contains(m.Content, "ans") })
	assert.Len(t, matches, 1)
}

// TestAllReturnsCopy tests that mutation of the returned slice does not
// affect the buffer.
func TestAllReturnsCopy(t *testing.T) {
	b := newTestBuffer(1000, 0)
	b.Add(models.Message{Role: models.RoleUser, Content: "original"})

	all := b.All()
	all[0].Content = "mutated"
	assert.Equal(t, "original", b.All()[0].Content)
}
