// Package sanitize cleans generated NPC replies before they enter the world.
// It strips control characters, markup, configured forbidden tokens, and long
// runs of Latin letters and digits that read as technical noise in a world
// whose speech is not written in Latin script.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxLength bounds a sanitized reply, in runes.
const DefaultMaxLength = 400

var (
	// reXMLTag matches XML/HTML tags including those with attributes and self-closing tags.
	reXMLTag = regexp.MustCompile(`<[/?!]?[a-zA-Z][a-zA-Z0-9]*(?:\s+[^>]*)?/?>|<\|[^|>]*\|>`)

	// reCodeFence matches triple (or more) backtick sequences.
	reCodeFence = regexp.MustCompile("```+[a-zA-Z]*")

	// reLatinRun matches Latin words and digits joined by spaces or
	// technical punctuation, e.g. "GET /api/v1?id=3" or "lorem ipsum dolor".
	reLatinRun = regexp.MustCompile(`[A-Za-z0-9_]+(?:[\s./:=+#@?&\\-]+[A-Za-z0-9_]+)*`)

	reSpaces = regexp.MustCompile(`[ \t]{2,}`)
	// reOrphanPunct matches whitespace left before punctuation by a removal.
	reOrphanPunct = regexp.MustCompile(`\s+([,.!?;:])`)
)

// Sanitizer holds the configured rules.
type Sanitizer struct {
	forbidden []*regexp.Regexp
	// latinRun is the longest Latin letter/digit run kept; 0 keeps all.
	latinRun  int
	maxLength int
}

// New creates a sanitizer. Forbidden tokens match case-insensitively.
// latinRunThreshold <= 0 disables Latin run stripping.
func New(forbidden []string, latinRunThreshold int) *Sanitizer {
	s := &Sanitizer{latinRun: latinRunThreshold, maxLength: DefaultMaxLength}
	for _, tok := range forbidden {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		s.forbidden = append(s.forbidden, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(tok)))
	}
	return s
}

// WithMaxLength overrides the rune limit.
func (s *Sanitizer) WithMaxLength(n int) *Sanitizer {
	s.maxLength = n
	return s
}

// Clean returns the sanitized text and how many removals it made.
//
// The pipeline runs in this order:
//  1. Strip control characters (except \n and \t)
//  2. Strip markup tags and code fences
//  3. Remove forbidden tokens
//  4. Remove Latin runs longer than the threshold
//  5. Collapse whitespace and trim
//  6. Truncate to the rune limit
func (s *Sanitizer) Clean(input string) (string, int) {
	if input == "" {
		return "", 0
	}
	removed := 0
	count := func(re *regexp.Regexp, text string) string {
		return re.ReplaceAllStringFunc(text, func(string) string {
			removed++
			return " "
		})
	}

	out, n := stripControlChars(input)
	removed += n
	out = count(reXMLTag, out)
	out = count(reCodeFence, out)
	for _, re := range s.forbidden {
		out = count(re, out)
	}
	if s.latinRun > 0 {
		out = reLatinRun.ReplaceAllStringFunc(out, func(run string) string {
			if alnumCount(run) <= s.latinRun {
				return run
			}
			removed++
			return " "
		})
	}

	out = reSpaces.ReplaceAllString(out, " ")
	out = reOrphanPunct.ReplaceAllString(out, "$1")
	out = strings.TrimSpace(out)
	out = strings.TrimLeft(out, ",.;:")
	out = strings.TrimSpace(out)

	if s.maxLength > 0 && utf8.RuneCountInString(out) > s.maxLength {
		runes := []rune(out)
		out = strings.TrimSpace(string(runes[:s.maxLength])) + "…"
	}
	return out, removed
}

func stripControlChars(s string) (string, int) {
	n := 0
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), n
}

func alnumCount(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			n++
		}
	}
	return n
}
