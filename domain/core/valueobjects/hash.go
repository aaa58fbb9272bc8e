package valueobjects

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// LexemeKey is the inverted index key of a value: the hash of its normalized form.
type LexemeKey string

// String returns the key as a string
func (k LexemeKey) String() string {
	return string(k)
}

// Normalize folds a thought value into the form used for lexeme lookups.
// Diacritics and case are folded, punctuation is dropped and whitespace
// collapsed. A value made only of punctuation normalizes to its trimmed,
// case folded text so that it does not collide with the empty value.
func Normalize(value string) string {
	// Transformers keep state, so a fresh chain is built per call.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, value)
	if err != nil {
		folded = value
	}
	folded = cases.Fold().String(folded)

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}

	if b.Len() == 0 {
		return strings.TrimSpace(cases.Fold().String(value))
	}
	return b.String()
}

// HashValue returns the lexeme key for a thought value.
func HashValue(value string) LexemeKey {
	return LexemeKey(strconv.FormatUint(xxhash.Sum64String(Normalize(value)), 16))
}

// SameLexeme reports whether two values map to the same lexeme.
func SameLexeme(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
