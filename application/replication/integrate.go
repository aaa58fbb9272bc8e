package replication

import (
	"bytes"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/documents"
)

// plan is what one inbound batch does to the local outline
type plan struct {
	// changes holds the entries that differ from the local outline
	changes *aggregates.Updates
	// outgoing holds the final state of every key the batch or the merge touched
	outgoing *aggregates.Updates
	// rebroadcast is set when outgoing differs from what the peer sent
	rebroadcast bool
}

// integrate merges remote into the outline without mutating it. Thoughts are
// merged first; occurrences and childrenMap entries the merged tree no longer
// supports are then pruned, and occurrences of moved or renamed thoughts are
// rewritten.
func (g *Gateway) integrate(o *aggregates.Outline, remote *aggregates.Updates, createdAt time.Time) plan {
	ws := aggregates.NewWorkingSet(o)
	now := o.Now()

	for _, id := range remote.ThoughtIDs() {
		rt := remote.Thoughts[id]
		lt, exists := ws.Thought(id)
		switch {
		case rt == nil:
			if !exists || id.IsRoot() {
				continue
			}
			if lt.LastUpdated.After(createdAt) {
				g.logger.Debug("Local thought outlived remote delete",
					zap.String("thoughtID", id.String()),
					zap.Time("lastUpdated", lt.LastUpdated),
					zap.Time("deletedAt", createdAt),
				)
				continue
			}
			ws.DeleteThought(id)
		case !exists:
			ws.PutThought(rt)
		default:
			if merged, equal := g.resolver.MergeThought(lt, rt); !equal {
				ws.PutThought(merged)
			}
		}
	}

	for _, key := range remote.LexemeKeys() {
		rl := remote.Lexemes[key]
		if rl == nil {
			// Occurrences are pruned against the merged tree below.
			continue
		}
		ll, exists := ws.Lexeme(key)
		if !exists {
			ws.PutLexeme(rl)
			continue
		}
		if merged, equal := g.resolver.MergeLexeme(ll, rl); !equal {
			ws.PutLexeme(merged)
		}
	}

	prune(o, ws, remote, now)

	p := plan{
		changes:  diff(o, ws.Updates()),
		outgoing: aggregates.NewUpdates(),
	}
	for _, id := range unionThoughtIDs(remote, p.changes) {
		if t, ok := ws.Thought(id); ok {
			p.outgoing.PutThought(t)
		} else {
			p.outgoing.DeleteThought(id)
		}
	}
	for _, key := range unionLexemeKeys(remote, p.changes) {
		if l, ok := ws.Lexeme(key); ok {
			p.outgoing.PutLexeme(l)
		} else {
			p.outgoing.DeleteLexeme(key)
		}
	}
	p.rebroadcast = !sameDocuments(p.outgoing, remote)
	return p
}

// prune restores the links between the staged thoughts and their parents and
// lexemes
func prune(local aggregates.Reader, ws *aggregates.WorkingSet, remote *aggregates.Updates, now time.Time) {
	staged := ws.Updates()

	parents := make(map[valueobjects.ThoughtID]bool)
	lexemes := make(map[valueobjects.LexemeKey]bool)
	var touched, moved []valueobjects.ThoughtID

	for _, id := range staged.ThoughtIDs() {
		t := staged.Thoughts[id]
		before, existed := local.Thought(id)
		if existed {
			parents[before.ParentID] = true
			lexemes[valueobjects.HashValue(before.Value)] = true
		}
		if t == nil {
			continue
		}
		parents[id] = true
		parents[t.ParentID] = true
		lexemes[valueobjects.HashValue(t.Value)] = true
		touched = append(touched, id)
		if !existed || before.ParentID != t.ParentID || before.Value != t.Value {
			moved = append(moved, id)
		}

		if !t.IsRoot() {
			if parent, ok := ws.Thought(t.ParentID); ok && !parent.HasChild(t.ID) {
				parent.AddChild(t.ID)
				ws.PutThought(parent)
			}
		}
	}
	for key := range remote.Lexemes {
		lexemes[key] = true
	}

	// childrenMap entries whose child is gone or names another parent
	for _, pid := range sortedThoughtIDs(parents) {
		parent, ok := ws.Thought(pid)
		if !ok {
			continue
		}
		changed := false
		for _, key := range parent.ChildKeys() {
			childID := parent.ChildrenMap[key]
			if child, ok := ws.Thought(childID); !ok || child.ParentID != pid {
				delete(parent.ChildrenMap, key)
				changed = true
			}
		}
		if changed {
			ws.PutThought(parent)
		}
	}

	// occurrences whose thought is gone or carries another value
	for _, key := range sortedLexemeKeys(lexemes) {
		l, ok := ws.Lexeme(key)
		if !ok {
			continue
		}
		for _, c := range l.Contexts {
			if t, ok := ws.Thought(c.ID); !ok || valueobjects.HashValue(t.Value) != key {
				ws.RemoveContext(key, c.ID, now)
			}
		}
	}

	// occurrences of every staged thought, and of the subtrees whose path changed
	for _, id := range touched {
		if t, ok := ws.Thought(id); ok {
			refreshOccurrence(ws, t, now)
		}
	}
	for _, id := range moved {
		for _, d := range ws.Descendants(id) {
			refreshOccurrence(ws, d, now)
		}
	}
}

// refreshOccurrence records t's current path and rank in its lexeme. An
// occurrence still waiting for hydration is left to the apply step.
func refreshOccurrence(ws *aggregates.WorkingSet, t *entities.Thought, now time.Time) {
	key := valueobjects.HashValue(t.Value)
	if l, ok := ws.Lexeme(key); ok {
		if c, found := l.ContextFor(t.ID); found && c.Context == nil {
			return
		}
	}
	path, err := ws.ContextOf(t)
	if err != nil {
		// Unreachable thoughts are relinked by repair.
		return
	}
	ws.UpsertContext(key, t.Value, path, t.ID, t.Rank, now)
}

// diff drops staged entries identical to the local ones
func diff(local aggregates.Reader, staged *aggregates.Updates) *aggregates.Updates {
	out := aggregates.NewUpdates()
	for id, t := range staged.Thoughts {
		before, existed := local.Thought(id)
		switch {
		case t == nil:
			if existed {
				out.DeleteThought(id)
			}
		case !existed || !before.Equal(t):
			out.PutThought(t)
		}
	}
	for key, l := range staged.Lexemes {
		before, existed := local.Lexeme(key)
		switch {
		case l == nil || l.IsEmpty():
			if existed {
				out.DeleteLexeme(key)
			}
		case !existed || !before.Equal(l):
			out.PutLexeme(l)
		}
	}
	return out
}

// sameDocuments compares two batches by their stored encoding
func sameDocuments(a, b *aggregates.Updates) bool {
	if len(a.Thoughts) != len(b.Thoughts) || len(a.Lexemes) != len(b.Lexemes) {
		return false
	}
	ea, err := documents.Encode(a, "", time.Time{})
	if err != nil {
		return false
	}
	eb, err := documents.Encode(b, "", time.Time{})
	if err != nil {
		return false
	}
	for key, raw := range ea.Thoughts {
		other, ok := eb.Thoughts[key]
		if !ok || !bytes.Equal(raw, other) {
			return false
		}
	}
	for key, raw := range ea.Lexemes {
		other, ok := eb.Lexemes[key]
		if !ok || !bytes.Equal(raw, other) {
			return false
		}
	}
	return true
}

func unionThoughtIDs(a, b *aggregates.Updates) []valueobjects.ThoughtID {
	set := make(map[valueobjects.ThoughtID]bool, len(a.Thoughts)+len(b.Thoughts))
	for id := range a.Thoughts {
		set[id] = true
	}
	for id := range b.Thoughts {
		set[id] = true
	}
	return sortedThoughtIDs(set)
}

func unionLexemeKeys(a, b *aggregates.Updates) []valueobjects.LexemeKey {
	set := make(map[valueobjects.LexemeKey]bool, len(a.Lexemes)+len(b.Lexemes))
	for key := range a.Lexemes {
		set[key] = true
	}
	for key := range b.Lexemes {
		set[key] = true
	}
	return sortedLexemeKeys(set)
}

func sortedThoughtIDs(set map[valueobjects.ThoughtID]bool) []valueobjects.ThoughtID {
	ids := make([]valueobjects.ThoughtID, 0, len(set))
	for id := range set {
		if !id.IsZero() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedLexemeKeys(set map[valueobjects.LexemeKey]bool) []valueobjects.LexemeKey {
	keys := make([]valueobjects.LexemeKey, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
