package roster

import (
	"strings"
	"unicode"
)

// Normalize canonicalizes a raw roster line: trims, collapses internal
// whitespace, reorders "Last, First" to "First Last", and title-cases
// every token. ok is false when nothing name-like remains.
func Normalize(line string) (name string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	// "Doe, John" ordering: everything before the first comma is the
	// last name, everything after is the given name(s).
	if i := strings.IndexByte(line, ','); i >= 0 {
		last := strings.TrimSpace(line[:i])
		first := strings.TrimSpace(line[i+1:])
		line = strings.TrimSpace(first + " " + last)
	}

	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return "", false
	}
	for i, tok := range tokens {
		tokens[i] = titleToken(tok)
	}
	return strings.Join(tokens, " "), true
}

// titleToken upper-cases the first letter and lower-cases the rest,
// within each hyphenated part ("o'BRIEN-smith" -> "O'brien-Smith").
func titleToken(tok string) string {
	parts := strings.Split(strings.ToLower(tok), "-")
	for i, p := range parts {
		r := []rune(p)
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		parts[i] = string(r)
	}
	return strings.Join(parts, "-")
}
