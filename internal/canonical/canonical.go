// Package canonical derives stable lookup keys from roster display names.
// Players decorate their names with emoji, rank tags and shortcodes that
// churn week to week; the canonical key is what survives the churn and
// what members, aliases and merged rows are keyed by.
package canonical

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	customEmojiRe = regexp.MustCompile(`<a?:\w+:\d+>`)
	bracketTagRe  = regexp.MustCompile(`\[[^\]]*\]`)
	shortcodeRe   = regexp.MustCompile(`:[a-zA-Z0-9_+-]+:`)
	spaceRunRe    = regexp.MustCompile(`\s+`)
)

// Key canonicalizes a display name. Idempotent: Key(Key(x)) == Key(x).
//
// Markup is removed with its contents (a "[Officer]" tag must vanish, not
// leak "officer" into the key), then the name is NFD-decomposed, stripped
// of combining marks, reduced to letter/digit runs separated by single
// spaces, lowercased and trimmed.
func Key(name string) string {
	s := customEmojiRe.ReplaceAllString(name, " ")
	s = bracketTagRe.ReplaceAllString(s, " ")
	s = shortcodeRe.ReplaceAllString(s, " ")

	s = norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark from decomposition, drop
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(' ')
		}
	}

	return strings.TrimSpace(spaceRunRe.ReplaceAllString(b.String(), " "))
}
