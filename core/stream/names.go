package stream

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// MaxNameLength is the longest accepted stream name, in runes.
const MaxNameLength = 200

// NameKey returns the canonical lookup key for a stream name.
// Two names with the same key refer to the same stream.
// A Caser is stateful, so one is built per call.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// NormalizeName trims name and validates it.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrInvalidStreamName
	}
	return name, nil
}
