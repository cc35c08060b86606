// Package token estimates prompt sizes. It lazily initializes the
// cl100k_base encoding on first use and falls back to a character-based
// heuristic when the encoding cannot be loaded (e.g. offline hosts).
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	once.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = e
		}
	})
	return encoding
}

// Count returns the token count of text, or a heuristic estimate when the
// encoding is unavailable.
func Count(text string) int {
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, word count); cheap enough for hot paths.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate caps text at approximately maxTokens, appending an ellipsis when
// anything was cut.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := enc(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return e.Decode(tokens[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}
