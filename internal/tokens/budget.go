// Package tokens provides token estimation and budget arithmetic for
// conversation buffers. All functions are pure and deterministic so that
// buffer invariants are reproducible in tests.
package tokens

import "github.com/seshat-ai/seshat/pkg/models"

const (
	// CharsPerToken is the heuristic ratio used by the default estimator.
	CharsPerToken = 4

	// MessageOverhead is the fixed per-message token cost added on top of
	// role and content (framing, separators).
	MessageOverhead = 4
)

// Budget caps estimated token usage for retained conversation history.
type Budget struct {
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens"`
	ReservePercent    float64 `json:"reserve_percent" yaml:"reserve_percent"`
	OverheadThreshold float64 `json:"overhead_threshold" yaml:"overhead_threshold"`
}

// DefaultBudget returns the budget used when a session supplies none:
// 4096 tokens, 10% reserve, eviction at 90% of the cap.
func DefaultBudget() Budget {
	return Budget{
		MaxTokens:         4096,
		ReservePercent:    0.1,
		OverheadThreshold: 0.9,
	}
}

// Available returns the tokens usable after the reserve margin.
func (b Budget) Available() int {
	return b.MaxTokens - int(float64(b.MaxTokens)*b.ReservePercent)
}

// EvictTarget returns the retained-token ceiling that eviction restores.
func (b Budget) EvictTarget() int {
	return int(float64(b.MaxTokens) * b.OverheadThreshold)
}

// ShouldEvict reports whether the current total exceeds the overhead
// threshold.
func (b Budget) ShouldEvict(currentTokens int) bool {
	return currentTokens > b.EvictTarget()
}

// Estimator converts text to an estimated token count. Implementations
// must be deterministic and monotonic in input length.
type Estimator interface {
	Estimate(text string) int
}

// Heuristic estimates tokens as ceil(len/4). It is the default estimator:
// cheap, allocation-free, and stable across calls.
type Heuristic struct{}

// Estimate implements Estimator.
func (Heuristic) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateTokens estimates the token cost of text with the heuristic.
func EstimateTokens(text string) int {
	return Heuristic{}.Estimate(text)
}

// EstimateMessageTokens estimates the full cost of a message: role plus
// content plus the fixed per-message overhead.
func EstimateMessageTokens(est Estimator, m models.Message) int {
	if est == nil {
		est = Heuristic{}
	}
	return est.Estimate(string(m.Role)) + est.Estimate(m.Content) + MessageOverhead
}
