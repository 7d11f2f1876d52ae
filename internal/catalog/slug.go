package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Slugify lowercases the input, strips diacritics and joins alphanumeric runs with dashes.
func Slugify(value string) string {
	decomposed := norm.NFKD.String(strings.ToLower(strings.TrimSpace(value)))
	var builder strings.Builder
	pendingDash := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingDash && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			pendingDash = false
			builder.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	return builder.String()
}
