package entities

import (
	"sort"
	"time"

	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// ThoughtContext is one occurrence of a value. It points back at a thought by
// id and records the ancestor path and rank it was indexed with.
type ThoughtContext struct {
	Context     []string
	ID          valueobjects.ThoughtID
	Rank        valueobjects.Rank
	LastUpdated time.Time
}

// Equal compares two occurrence records
func (c ThoughtContext) Equal(other ThoughtContext) bool {
	return c.ID == other.ID &&
		c.Rank.Equal(other.Rank) &&
		c.LastUpdated.Equal(other.LastUpdated) &&
		SamePath(c.Context, other.Context)
}

// Clone returns a copy that shares no slice with c
func (c ThoughtContext) Clone() ThoughtContext {
	if c.Context != nil {
		c.Context = append([]string(nil), c.Context...)
	}
	return c
}

// SamePath compares two ancestor paths
func SamePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Lexeme is the inverted index entry for one normalized value.
type Lexeme struct {
	ID          valueobjects.LexemeKey
	Lemma       string
	Contexts    []ThoughtContext
	Created     time.Time
	LastUpdated time.Time
}

// NewLexeme creates an empty lexeme for value
func NewLexeme(value string, now time.Time) *Lexeme {
	return &Lexeme{
		ID:          valueobjects.HashValue(value),
		Lemma:       value,
		Created:     now,
		LastUpdated: now,
	}
}

// ContextIndex returns the position of the first context for id, or -1
func (l *Lexeme) ContextIndex(id valueobjects.ThoughtID) int {
	for i, c := range l.Contexts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// ContextFor returns the context recorded for id
func (l *Lexeme) ContextFor(id valueobjects.ThoughtID) (ThoughtContext, bool) {
	if i := l.ContextIndex(id); i >= 0 {
		return l.Contexts[i].Clone(), true
	}
	return ThoughtContext{}, false
}

// UpsertContext replaces every entry for ctx.ID with ctx, so a lexeme never
// carries two occurrences of the same thought.
func (l *Lexeme) UpsertContext(ctx ThoughtContext) {
	kept := l.Contexts[:0]
	for _, c := range l.Contexts {
		if c.ID != ctx.ID {
			kept = append(kept, c)
		}
	}
	l.Contexts = append(kept, ctx.Clone())
	sortContexts(l.Contexts)
	l.Touch(ctx.LastUpdated)
}

// RemoveContext drops every entry for id and reports whether one existed
func (l *Lexeme) RemoveContext(id valueobjects.ThoughtID, now time.Time) bool {
	kept := l.Contexts[:0]
	removed := false
	for _, c := range l.Contexts {
		if c.ID == id {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	l.Contexts = kept
	if removed {
		l.Touch(now)
	}
	return removed
}

// IsEmpty reports whether the lexeme lists no occurrence
func (l *Lexeme) IsEmpty() bool {
	return len(l.Contexts) == 0
}

// Touch bumps LastUpdated, never moving it backwards
func (l *Lexeme) Touch(now time.Time) {
	if now.After(l.LastUpdated) {
		l.LastUpdated = now
	}
}

// Clone returns a deep copy
func (l *Lexeme) Clone() *Lexeme {
	if l == nil {
		return nil
	}
	c := *l
	c.Contexts = make([]ThoughtContext, len(l.Contexts))
	for i, ctx := range l.Contexts {
		c.Contexts[i] = ctx.Clone()
	}
	return &c
}

// Equal compares every field including context order
func (l *Lexeme) Equal(other *Lexeme) bool {
	if l == nil || other == nil {
		return l == other
	}
	if l.ID != other.ID || l.Lemma != other.Lemma {
		return false
	}
	if !l.Created.Equal(other.Created) || !l.LastUpdated.Equal(other.LastUpdated) {
		return false
	}
	if len(l.Contexts) != len(other.Contexts) {
		return false
	}
	for i := range l.Contexts {
		if !l.Contexts[i].Equal(other.Contexts[i]) {
			return false
		}
	}
	return true
}

func sortContexts(contexts []ThoughtContext) {
	sort.SliceStable(contexts, func(i, j int) bool { return contexts[i].ID < contexts[j].ID })
}

// SortContexts orders occurrences by thought id
func (l *Lexeme) SortContexts() {
	sortContexts(l.Contexts)
}
