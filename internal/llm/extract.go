package llm

import "strings"

// ExtractJSON returns the first balanced JSON object embedded in s, or ""
// if there is none. Braces inside string literals are ignored, so prose
// around the object and markdown fences are both tolerated.
func ExtractJSON(s string) string {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			return s[start : end+1]
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return ""
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Normalize reduces a response to its embedded JSON object when it has
// one, and otherwise trims it.
func Normalize(s string) string {
	if obj := ExtractJSON(s); obj != "" {
		return obj
	}
	return strings.TrimSpace(s)
}
