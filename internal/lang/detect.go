// Package lang detects the language of a research question. The workflow
// supports Korean and English; everything ambiguous defaults to English.
package lang

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	English = "en"
	Korean  = "ko"
)

// hangulThreshold is the share of Hangul among letters above which a text is
// treated as Korean.
const hangulThreshold = 0.1

var (
	urlPattern   = regexp.MustCompile(`https?://\S+|www\.\S+`)
	emailPattern = regexp.MustCompile(`\S+@\S+\.\S+`)
)

// Detect returns the language code for text. URLs and email addresses are
// stripped first so that Latin-heavy citations do not drown out Hangul.
func Detect(text string) string {
	cleaned := urlPattern.ReplaceAllString(text, " ")
	cleaned = emailPattern.ReplaceAllString(cleaned, " ")

	var hangul, letters int
	for _, r := range cleaned {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r >= '가' && r <= '힣' {
			hangul++
		}
	}
	if letters == 0 {
		return English
	}
	if float64(hangul)/float64(letters) > hangulThreshold {
		return Korean
	}
	return English
}

// Supported reports whether code names a language the prompt registry carries.
func Supported(code string) bool {
	return code == English || code == Korean
}

// DisplayName returns the human-readable name prompts refer to the language
// by, in that language.
func DisplayName(code string) string {
	if code == Korean {
		return "한국어"
	}
	return "English"
}

// Normalize lowercases and trims a requested language code. It returns the
// canonical code and whether the input was valid; an empty input is valid and
// means "detect from the question".
func Normalize(code string) (string, bool) {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == "" {
		return "", true
	}
	if Supported(c) {
		return c, true
	}
	return "", false
}
