package aggregates

import (
	"sort"

	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// Updates is one atomic batch of changes to both indexes. A nil entry is a
// deletion.
type Updates struct {
	Thoughts map[valueobjects.ThoughtID]*entities.Thought
	Lexemes  map[valueobjects.LexemeKey]*entities.Lexeme
}

// NewUpdates returns an empty batch
func NewUpdates() *Updates {
	return &Updates{
		Thoughts: make(map[valueobjects.ThoughtID]*entities.Thought),
		Lexemes:  make(map[valueobjects.LexemeKey]*entities.Lexeme),
	}
}

// PutThought stages a copy of t
func (u *Updates) PutThought(t *entities.Thought) {
	u.Thoughts[t.ID] = t.Clone()
}

// DeleteThought stages the removal of id
func (u *Updates) DeleteThought(id valueobjects.ThoughtID) {
	u.Thoughts[id] = nil
}

// PutLexeme stages a copy of l
func (u *Updates) PutLexeme(l *entities.Lexeme) {
	u.Lexemes[l.ID] = l.Clone()
}

// DeleteLexeme stages the removal of key
func (u *Updates) DeleteLexeme(key valueobjects.LexemeKey) {
	u.Lexemes[key] = nil
}

// IsEmpty reports whether the batch changes nothing
func (u *Updates) IsEmpty() bool {
	return u == nil || (len(u.Thoughts) == 0 && len(u.Lexemes) == 0)
}

// Len returns the number of staged entries
func (u *Updates) Len() int {
	if u == nil {
		return 0
	}
	return len(u.Thoughts) + len(u.Lexemes)
}

// Merge overlays other on top of u; later entries win.
func (u *Updates) Merge(other *Updates) {
	if other == nil {
		return
	}
	for id, t := range other.Thoughts {
		u.Thoughts[id] = t.Clone()
	}
	for key, l := range other.Lexemes {
		u.Lexemes[key] = l.Clone()
	}
}

// Clone returns a deep copy
func (u *Updates) Clone() *Updates {
	c := NewUpdates()
	c.Merge(u)
	return c
}

// ThoughtIDs returns the staged thought ids in sorted order
func (u *Updates) ThoughtIDs() []valueobjects.ThoughtID {
	ids := make([]valueobjects.ThoughtID, 0, len(u.Thoughts))
	for id := range u.Thoughts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LexemeKeys returns the staged lexeme keys in sorted order
func (u *Updates) LexemeKeys() []valueobjects.LexemeKey {
	keys := make([]valueobjects.LexemeKey, 0, len(u.Lexemes))
	for key := range u.Lexemes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
