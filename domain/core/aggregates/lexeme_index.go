package aggregates

import (
	"sort"
	"time"

	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// LexemeIndex maps lexeme keys to lexemes. Like ThoughtIndex it copies on
// the way in and out.
type LexemeIndex struct {
	lexemes map[valueobjects.LexemeKey]*entities.Lexeme
}

// NewLexemeIndex creates an empty index
func NewLexemeIndex() *LexemeIndex {
	return &LexemeIndex{lexemes: make(map[valueobjects.LexemeKey]*entities.Lexeme)}
}

// Lookup returns a copy of the lexeme stored under key
func (x *LexemeIndex) Lookup(key valueobjects.LexemeKey) (*entities.Lexeme, bool) {
	l, ok := x.lexemes[key]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// LookupValue hashes value the same way writes do and checks that the stored
// lemma normalizes to the same text, guarding against hash collisions.
func (x *LexemeIndex) LookupValue(value string) (*entities.Lexeme, bool) {
	l, ok := x.Lookup(valueobjects.HashValue(value))
	if !ok || !valueobjects.SameLexeme(l.Lemma, value) {
		return nil, false
	}
	return l, true
}

// UpsertContext records the occurrence of thoughtID under key, replacing any
// earlier record for the same thought. A missing lexeme is created with lemma.
func (x *LexemeIndex) UpsertContext(key valueobjects.LexemeKey, lemma string, context []string, thoughtID valueobjects.ThoughtID, rank valueobjects.Rank, ts time.Time) *entities.Lexeme {
	l, ok := x.lexemes[key]
	if !ok {
		l = &entities.Lexeme{ID: key, Lemma: lemma, Created: ts, LastUpdated: ts}
		x.lexemes[key] = l
	}
	l.UpsertContext(entities.ThoughtContext{Context: context, ID: thoughtID, Rank: rank, LastUpdated: ts})
	return l.Clone()
}

// RemoveContext drops the occurrence of thoughtID from key. The lexeme is
// deleted once it has no occurrences left, in which case nil is returned.
func (x *LexemeIndex) RemoveContext(key valueobjects.LexemeKey, thoughtID valueobjects.ThoughtID, ts time.Time) *entities.Lexeme {
	l, ok := x.lexemes[key]
	if !ok {
		return nil
	}
	l.RemoveContext(thoughtID, ts)
	if l.IsEmpty() {
		delete(x.lexemes, key)
		return nil
	}
	return l.Clone()
}

// Put stores a copy of l
func (x *LexemeIndex) Put(l *entities.Lexeme) {
	x.lexemes[l.ID] = l.Clone()
}

// Delete removes key
func (x *LexemeIndex) Delete(key valueobjects.LexemeKey) {
	delete(x.lexemes, key)
}

// Len returns the number of lexemes
func (x *LexemeIndex) Len() int {
	return len(x.lexemes)
}

// Keys returns every key in sorted order
func (x *LexemeIndex) Keys() []valueobjects.LexemeKey {
	keys := make([]valueobjects.LexemeKey, 0, len(x.lexemes))
	for key := range x.lexemes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
