package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seshat-ai/seshat/pkg/models"
)

// TestHeuristicEstimate tests the chars-per-token heuristic.
func TestHeuristicEstimate(t *testing.T) {
	tests := []struct {
		text     string
		expected int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, EstimateTokens(tt.text), "text %q", tt.text)
	}
}

// TestEstimateMonotonic tests that longer input never estimates fewer
// tokens.
func TestEstimateMonotonic(t *testing.T) {
	prev := 0
	for i := 0; i < 200; i++ {
		cur := EstimateTokens(strings.Repeat("a", i))
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

// TestEstimateStable tests that repeated calls agree.
func TestEstimateStable(t *testing.T) {
	text := "the same input every time"
	first := EstimateTokens(text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, EstimateTokens(text))
	}
}

// TestEstimateMessageTokens tests role + content + overhead accounting.
func TestEstimateMessageTokens(t *testing.T) {
	m := models.Message{Role: models.RoleUser, Content: "12345678"}
	// "user" -> 1, content -> 2, overhead -> 4
	assert.Equal(t, 7, EstimateMessageTokens(nil, m))
}

// TestBudgetAvailable tests the reserve arithmetic.
func TestBudgetAvailable(t *testing.T) {
	b := Budget{MaxTokens: 1000, ReservePercent: 0.2, OverheadThreshold: 0.9}
	assert.Equal(t, 800, b.Available())
	assert.Equal(t, 900, b.EvictTarget())
}

// TestShouldEvict tests the threshold boundary.
func TestShouldEvict(t *testing.T) {
	b := Budget{MaxTokens: 100, OverheadThreshold: 0.9}
	assert.False(t, b.ShouldEvict(89))
	assert.False(t, b.ShouldEvict(90))
	assert.True(t, b.ShouldEvict(91))
}

// TestDefaultBudget tests default values.
func TestDefaultBudget(t *testing.T) {
	b := DefaultBudget()
	assert.Equal(t, 4096, b.MaxTokens)
	assert.Equal(t, 0.1, b.ReservePercent)
	assert.Equal(t, 0.9, b.OverheadThreshold)
}
