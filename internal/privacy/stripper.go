// Package privacy provides privacy tag handling for seshat.
package privacy

import (
	"regexp"
	"strings"
)

var (
	// privateTagRegex matches <private>...</private> tags
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// contextTagRegex matches <seshat-context>...</seshat-context> tags
	contextTagRegex = regexp.MustCompile(`(?s)<seshat-context>.*?</seshat-context>`)
)

// StripPrivateTags removes all <private>...</private> content from text.
func StripPrivateTags(text string) string {
	return privateTagRegex.ReplaceAllString(text, "")
}

// StripContextTags removes all <seshat-context>...</seshat-context>
// content from text. Injected retrieval context must never round-trip
// back into stored conversation history.
func StripContextTags(text string) string {
	return contextTagRegex.ReplaceAllString(text, "")
}

// StripAllTags removes both private and injected context tags.
func StripAllTags(text string) string {
	text = StripPrivateTags(text)
	text = StripContextTags(text)
	return text
}

// IsEntirelyPrivate checks if the text is entirely within <private> tags.
func IsEntirelyPrivate(text string) bool {
	stripped := StripPrivateTags(text)
	return strings.TrimSpace(stripped) == ""
}

// Clean performs full privacy cleaning on text.
// This is the main function to use before storing any user content.
func Clean(text string) string {
	text = StripAllTags(text)
	return strings.TrimSpace(text)
}
