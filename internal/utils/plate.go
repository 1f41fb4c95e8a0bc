package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate uppercases a license plate and strips everything that is
// not a letter or digit, so lookups and dedup keys are insensitive to
// spacing and separators in the recognizer output.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.ToUpper(plate) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
