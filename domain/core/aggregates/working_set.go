package aggregates

import (
	"sort"
	"time"

	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

// Reader is the read surface of the outline. Implementations return copies.
type Reader interface {
	Thought(id valueobjects.ThoughtID) (*entities.Thought, bool)
	Lexeme(key valueobjects.LexemeKey) (*entities.Lexeme, bool)
	ThoughtIDs() []valueobjects.ThoughtID
	LexemeKeys() []valueobjects.LexemeKey
}

// WorkingSet stages changes on top of a Reader without touching it. Reads see
// the staged state; Updates returns the batch to commit. Occurrence edits run
// through a LexemeIndex holding the lexemes they touched.
type WorkingSet struct {
	base    Reader
	updates *Updates
	lexemes *LexemeIndex
}

// NewWorkingSet creates an empty overlay on base
func NewWorkingSet(base Reader) *WorkingSet {
	return &WorkingSet{base: base, updates: NewUpdates(), lexemes: NewLexemeIndex()}
}

// Updates returns the staged batch
func (w *WorkingSet) Updates() *Updates {
	return w.updates
}

// Thought returns a copy of the staged or base thought
func (w *WorkingSet) Thought(id valueobjects.ThoughtID) (*entities.Thought, bool) {
	if t, staged := w.updates.Thoughts[id]; staged {
		if t == nil {
			return nil, false
		}
		return t.Clone(), true
	}
	return w.base.Thought(id)
}

// Lexeme returns a copy of the staged or base lexeme
func (w *WorkingSet) Lexeme(key valueobjects.LexemeKey) (*entities.Lexeme, bool) {
	if l, staged := w.updates.Lexemes[key]; staged {
		if l == nil {
			return nil, false
		}
		return l.Clone(), true
	}
	return w.base.Lexeme(key)
}

// ThoughtIDs returns every visible thought id in sorted order
func (w *WorkingSet) ThoughtIDs() []valueobjects.ThoughtID {
	seen := make(map[valueobjects.ThoughtID]bool)
	for _, id := range w.base.ThoughtIDs() {
		seen[id] = true
	}
	for id, t := range w.updates.Thoughts {
		seen[id] = t != nil
	}
	ids := make([]valueobjects.ThoughtID, 0, len(seen))
	for id, visible := range seen {
		if visible {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LexemeKeys returns every visible lexeme key in sorted order
func (w *WorkingSet) LexemeKeys() []valueobjects.LexemeKey {
	seen := make(map[valueobjects.LexemeKey]bool)
	for _, key := range w.base.LexemeKeys() {
		seen[key] = true
	}
	for key, l := range w.updates.Lexemes {
		seen[key] = l != nil
	}
	keys := make([]valueobjects.LexemeKey, 0, len(seen))
	for key, visible := range seen {
		if visible {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// PutThought stages t
func (w *WorkingSet) PutThought(t *entities.Thought) {
	w.updates.PutThought(t)
}

// DeleteThought stages the removal of id
func (w *WorkingSet) DeleteThought(id valueobjects.ThoughtID) {
	w.updates.DeleteThought(id)
}

// PutLexeme stages l, or its removal when it lists no occurrence
func (w *WorkingSet) PutLexeme(l *entities.Lexeme) {
	if l.IsEmpty() {
		w.updates.DeleteLexeme(l.ID)
		return
	}
	w.updates.PutLexeme(l)
}

// DeleteLexeme stages the removal of key
func (w *WorkingSet) DeleteLexeme(key valueobjects.LexemeKey) {
	w.updates.DeleteLexeme(key)
}

// UpsertContext stages the occurrence of thoughtID under key
func (w *WorkingSet) UpsertContext(key valueobjects.LexemeKey, lemma string, context []string, thoughtID valueobjects.ThoughtID, rank valueobjects.Rank, ts time.Time) {
	l, ok := w.Lexeme(key)
	if ok {
		if existing, found := l.ContextFor(thoughtID); found && countContexts(l, thoughtID) == 1 &&
			existing.Rank.Equal(rank) && entities.SamePath(existing.Context, context) {
			return
		}
	}
	w.sync(key, l, ok)
	w.PutLexeme(w.lexemes.UpsertContext(key, lemma, context, thoughtID, rank, ts))
}

// RemoveContext stages the removal of thoughtID's occurrence from key. An
// emptied lexeme is staged for deletion.
func (w *WorkingSet) RemoveContext(key valueobjects.LexemeKey, thoughtID valueobjects.ThoughtID, ts time.Time) {
	l, ok := w.Lexeme(key)
	if !ok || l.ContextIndex(thoughtID) < 0 {
		return
	}
	w.sync(key, l, ok)
	if rest := w.lexemes.RemoveContext(key, thoughtID, ts); rest != nil {
		w.PutLexeme(rest)
		return
	}
	w.DeleteLexeme(key)
}

// sync loads the visible state of key into the occurrence index
func (w *WorkingSet) sync(key valueobjects.LexemeKey, l *entities.Lexeme, ok bool) {
	if !ok {
		w.lexemes.Delete(key)
		return
	}
	w.lexemes.Put(l)
}

// Path returns the values from root down to id, inclusive. It fails with
// MissingParent when an ancestor does not resolve and ChildrenMapCorrupt
// when the parent chain loops.
func (w *WorkingSet) Path(id valueobjects.ThoughtID) ([]string, error) {
	return pathOf(w, id)
}

// ContextOf returns the ancestor path recorded for t in its lexeme
func (w *WorkingSet) ContextOf(t *entities.Thought) ([]string, error) {
	return pathOf(w, t.ParentID)
}

// Children returns the thoughts listed by parentID whose own parent pointer
// agrees, ordered by rank.
func (w *WorkingSet) Children(parentID valueobjects.ThoughtID) []*entities.Thought {
	return childrenOf(w, parentID)
}

// Descendants returns every thought below id, breadth first
func (w *WorkingSet) Descendants(id valueobjects.ThoughtID) []*entities.Thought {
	return descendantsOf(w, id)
}

// IsAncestor reports whether ancestor lies on the parent chain of id
func (w *WorkingSet) IsAncestor(ancestor, id valueobjects.ThoughtID) bool {
	visited := make(map[valueobjects.ThoughtID]bool)
	for cur := id; !cur.IsZero() && !visited[cur]; {
		if cur == ancestor {
			return true
		}
		visited[cur] = true
		t, ok := w.Thought(cur)
		if !ok || t.IsRoot() {
			return false
		}
		cur = t.ParentID
	}
	return false
}

// Hydrate fills in the path and rank of every occurrence in l from the thought
// it points at. Occurrences of unknown thoughts are left as they are.
func (w *WorkingSet) Hydrate(l *entities.Lexeme) {
	hydrate(w, l)
}

func countContexts(l *entities.Lexeme, id valueobjects.ThoughtID) int {
	n := 0
	for _, c := range l.Contexts {
		if c.ID == id {
			n++
		}
	}
	return n
}

func pathOf(r Reader, id valueobjects.ThoughtID) ([]string, error) {
	var reversed []string
	visited := make(map[valueobjects.ThoughtID]bool)
	cur := id
	for {
		if visited[cur] {
			return nil, pkgerrors.NewChildrenMapCorruptError(id.String(), cur.String()).
				WithDetail("reason", "parent chain loops")
		}
		visited[cur] = true
		t, ok := r.Thought(cur)
		if !ok {
			return nil, pkgerrors.NewMissingParentError(id.String(), cur.String())
		}
		if t.IsRoot() {
			reversed = append(reversed, valueobjects.RootToken)
			break
		}
		reversed = append(reversed, t.Value)
		if t.ParentID.IsZero() {
			return nil, pkgerrors.NewMissingParentError(id.String(), "")
		}
		cur = t.ParentID
	}
	path := make([]string, len(reversed))
	for i, v := range reversed {
		path[len(reversed)-1-i] = v
	}
	return path, nil
}

func childrenOf(r Reader, parentID valueobjects.ThoughtID) []*entities.Thought {
	parent, ok := r.Thought(parentID)
	if !ok {
		return nil
	}
	children := make([]*entities.Thought, 0, len(parent.ChildrenMap))
	seen := make(map[valueobjects.ThoughtID]bool)
	for _, key := range parent.ChildKeys() {
		id := parent.ChildrenMap[key]
		if seen[id] {
			continue
		}
		seen[id] = true
		child, ok := r.Thought(id)
		if !ok || child.ParentID != parentID {
			continue
		}
		children = append(children, child)
	}
	entities.SortByRank(children)
	return children
}

func descendantsOf(r Reader, id valueobjects.ThoughtID) []*entities.Thought {
	var out []*entities.Thought
	visited := map[valueobjects.ThoughtID]bool{id: true}
	queue := []valueobjects.ThoughtID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range childrenOf(r, cur) {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out
}

func hydrate(r Reader, l *entities.Lexeme) {
	for i := range l.Contexts {
		ctx := &l.Contexts[i]
		t, ok := r.Thought(ctx.ID)
		if !ok {
			if ctx.LastUpdated.IsZero() {
				ctx.LastUpdated = l.LastUpdated
			}
			continue
		}
		if path, err := pathOf(r, t.ParentID); err == nil {
			ctx.Context = path
		}
		ctx.Rank = t.Rank
		if ctx.LastUpdated.IsZero() {
			ctx.LastUpdated = t.LastUpdated
		}
	}
}
