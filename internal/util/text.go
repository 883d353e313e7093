package util

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeText cleans a raw text field: NFC, no control characters,
// trimmed, inner whitespace collapsed. Natural keys compare on this form.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}

	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
