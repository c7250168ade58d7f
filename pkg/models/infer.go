package models

import (
	"fmt"
	"strings"
)

// typeHints maps memory types to the key/content substrings that suggest
// them. Match order is the tie-break priority: file context beats analysis
// beats conversation; anything unmatched is a plain fact.
var typeHints = []struct {
	t     MemoryType
	hints []string
}{
	{TypeFileContext, []string{"file", "path", "directory"}},
	{TypeAnalysis, []string{"analysis", "result", "decision", "recommendation", "task", "todo", "step"}},
	{TypeConversation, []string{"message", "chat", "dialog", "conversation"}},
}

// InferTypeFromKey classifies a working-context entry by its key name.
// The explicit hint wins when provided. Matching is case-insensitive
// substring; the first matching category wins.
func InferTypeFromKey(key string, hint MemoryType) MemoryType {
	if hint != "" && hint.Valid() {
		return hint
	}
	lower := strings.ToLower(key)
	for _, c := range typeHints {
		for _, h := range c.hints {
			if strings.Contains(lower, h) {
				return c.t
			}
		}
	}
	return TypeFact
}

// InferTypeFromData classifies a pending item's payload by inspecting its
// keys and string values with the same category heuristic used for
// working-context keys.
func InferTypeFromData(data map[string]any) MemoryType {
	if len(data) == 0 {
		return TypeFact
	}
	var sb strings.Builder
	for k, v := range data {
		sb.WriteString(strings.ToLower(k))
		sb.WriteByte(' ')
		if s, ok := v.(string); ok {
			sb.WriteString(strings.ToLower(s))
			sb.WriteByte(' ')
		}
	}
	corpus := sb.String()
	for _, c := range typeHints {
		for _, h := range c.hints {
			if strings.Contains(corpus, h) {
				return c.t
			}
		}
	}
	return TypeFact
}

// FlattenData serializes a payload into a lowercase string for keyword
// matching. Map iteration order is irrelevant to substring search.
func FlattenData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	for k, v := range data {
		sb.WriteString(strings.ToLower(k))
		sb.WriteByte(' ')
		sb.WriteString(strings.ToLower(fmt.Sprintf("%v", v)))
		sb.WriteByte(' ')
	}
	return sb.String()
}
