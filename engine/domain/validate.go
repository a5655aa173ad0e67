package domain

import (
	"strings"
	"unicode/utf8"
)

// MaxQueryLength is the longest accepted query, in characters.
const MaxQueryLength = 1000

// NormalizeQuery trims surrounding whitespace.
func NormalizeQuery(q string) string {
	return strings.TrimSpace(q)
}

// ValidateQuery checks a user question before it reaches the cache or index.
func ValidateQuery(q string) error {
	text := NormalizeQuery(q)
	if text == "" {
		return NewValidationError("query", text, ErrQueryEmpty)
	}
	if !utf8.ValidString(text) {
		return NewValidationError("query", "", ErrInvalidQuery)
	}
	if n := utf8.RuneCountInString(text); n > MaxQueryLength {
		return NewValidationError("query", string([]rune(text)[:64]), ErrQueryTooLong)
	}
	return nil
}
