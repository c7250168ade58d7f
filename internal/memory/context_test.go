package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seshat-ai/seshat/pkg/models"
)

// fakeClock returns a time source advancing by step on every call.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(step)
		return current
	}
}

// TestPutGet tests basic upsert and default semantics.
func TestPutGet(t *testing.T) {
	c := NewWorkingContext(10)

	c.Put("branch", "main")
	assert.Equal(t, "main", c.Get("branch", nil))
	assert.Equal(t, "fallback", c.Get("missing", "fallback"))

	c.Put("branch", "feature")
	assert.Equal(t, "feature", c.Get("branch", nil))
	assert.Equal(t, 1, c.Len())
}

// TestGetTracksAccess tests that reads update access metadata.
func TestGetTracksAccess(t *testing.T) {
	c := NewWorkingContext(10)
	c.now = fakeClock(time.Now(), time.Second)

	c.Put("key", "value")
	c.Get("key", nil)
	c.Get("key", nil)
	c.Get("missing", nil)

	items := c.List()
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].AccessCount)
}

// TestLRUEviction tests that exceeding the cap evicts the
// least-recently-used key.
func TestLRUEviction(t *testing.T) {
	c := NewWorkingContext(3)
	c.now = fakeClock(time.Now(), time.Second)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch a and b so c is the LRU entry.
	c.Get("a", nil)
	c.Get("b", nil)

	evicted := c.Put("d", 4)
	assert.Equal(t, "c", evicted)
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Has("c"))
	assert.True(t, c.Has("d"))
}

// TestPutManyEviction tests batch upsert with eviction reporting.
func TestPutManyEviction(t *testing.T) {
	c := NewWorkingContext(2)
	c.now = fakeClock(time.Now(), time.Second)

	evicted := c.PutMany(map[string]any{"a": 1, "b": 2, "c": 3})
	assert.Len(t, evicted, 1)
	assert.Equal(t, 2, c.Len())
}

// TestDelete tests removal, including unknown keys.
func TestDelete(t *testing.T) {
	c := NewWorkingContext(10)
	c.Put("key", "value")
	c.Delete("key")
	c.Delete("never-existed")
	assert.Equal(t, 0, c.Len())
}

// TestListNoSideEffects tests that List does not touch access metadata.
func TestListNoSideEffects(t *testing.T) {
	c := NewWorkingContext(10)
	c.Put("key", "value")

	c.List()
	c.List()

	items := c.List()
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].AccessCount)
}

// TestClearContext tests the reset semantics.
func TestClearContext(t *testing.T) {
	c := NewWorkingContext(10)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Clear()

	assert.Equal(t, 0, c.Len())
	c.Put("c", 3)
	assert.Equal(t, 1, c.Len())
}

// TestSuggestType tests the promotion-type heuristic on context keys.
func TestSuggestType(t *testing.T) {
	c := NewWorkingContext(10)

	assert.Equal(t, models.TypeFileContext, c.SuggestType("open_file", ""))
	assert.Equal(t, models.TypeAnalysis, c.SuggestType("analysis_summary", ""))
	assert.Equal(t, models.TypeConversation, c.SuggestType("dialog_state", ""))
	assert.Equal(t, models.TypeFact, c.SuggestType("user_email", ""))
	assert.Equal(t, models.TypeDecision, c.SuggestType("open_file", models.TypeDecision))
}
