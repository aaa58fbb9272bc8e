package merge

import (
	"strconv"
	"strings"
	"time"

	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// LWWResolver is a last-write-wins resolver. Scalars come from the version
// with the later LastUpdated, ties go to the larger canonical encoding, and
// collections are merged per element.
type LWWResolver struct{}

// NewLWWResolver creates the resolver
func NewLWWResolver() *LWWResolver {
	return &LWWResolver{}
}

// MergeThought merges two versions of one thought
func (r *LWWResolver) MergeThought(local, remote *entities.Thought) (*entities.Thought, bool) {
	switch {
	case local == nil:
		return remote.Clone(), false
	case remote == nil:
		return local.Clone(), false
	case local.Equal(remote):
		return local.Clone(), true
	}

	winner, loser := local, remote
	if thoughtWins(remote, local) {
		winner, loser = remote, local
	}

	merged := winner.Clone()
	if merged.ID.IsZero() {
		merged.ID = loser.ID
	}
	if merged.Value == "" {
		merged.Value = loser.Value
	}
	if merged.ParentID.IsZero() {
		merged.ParentID = loser.ParentID
	}
	if merged.Rank.IsMissing() {
		merged.Rank = loser.Rank
	}
	for key, id := range loser.ChildrenMap {
		if _, ok := merged.ChildrenMap[key]; !ok {
			merged.ChildrenMap[key] = id
		}
	}
	merged.Created = minTime(local.Created, remote.Created)
	merged.LastUpdated = maxTime(local.LastUpdated, remote.LastUpdated)
	return merged, false
}

// MergeLexeme merges two versions of one lexeme. Occurrences are a set keyed
// by thought id: an id on both sides keeps the newer record and an id on one
// side only is kept. Occurrences whose thought was deleted or renamed are not
// the resolver's concern; they are pruned against the merged tree.
func (r *LWWResolver) MergeLexeme(local, remote *entities.Lexeme) (*entities.Lexeme, bool) {
	switch {
	case local == nil:
		return remote.Clone(), false
	case remote == nil:
		return local.Clone(), false
	case local.Equal(remote):
		return local.Clone(), true
	}

	winner, loser := local, remote
	if lexemeWins(remote, local) {
		winner, loser = remote, local
	}

	merged := &entities.Lexeme{
		ID:          winner.ID,
		Lemma:       winner.Lemma,
		Created:     minTime(local.Created, remote.Created),
		LastUpdated: maxTime(local.LastUpdated, remote.LastUpdated),
	}
	if merged.ID == "" {
		merged.ID = loser.ID
	}
	if merged.Lemma == "" {
		merged.Lemma = loser.Lemma
	}

	byID := newestByID(local.Contexts)
	for id, rc := range newestByID(remote.Contexts) {
		if lc, shared := byID[id]; shared && !contextWins(rc, lc) {
			continue
		}
		byID[id] = rc
	}
	for _, c := range byID {
		merged.Contexts = append(merged.Contexts, c.Clone())
	}
	merged.SortContexts()
	return merged, false
}

// newestByID collapses duplicate records for one thought to the newest
func newestByID(contexts []entities.ThoughtContext) map[valueobjects.ThoughtID]entities.ThoughtContext {
	out := make(map[valueobjects.ThoughtID]entities.ThoughtContext, len(contexts))
	for _, c := range contexts {
		if existing, ok := out[c.ID]; ok && !contextWins(c, existing) {
			continue
		}
		out[c.ID] = c
	}
	return out
}

func thoughtWins(a, b *entities.Thought) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return canonicalThought(a) > canonicalThought(b)
}

func lexemeWins(a, b *entities.Lexeme) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return canonicalLexeme(a) > canonicalLexeme(b)
}

func contextWins(a, b entities.ThoughtContext) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return canonicalContext(a) > canonicalContext(b)
}

// The canonical encodings only need to be total and stable; they are never
// parsed back.

func canonicalThought(t *entities.Thought) string {
	var b strings.Builder
	b.WriteString(t.ID.String())
	b.WriteByte(0)
	b.WriteString(t.Value)
	b.WriteByte(0)
	b.WriteString(t.ParentID.String())
	b.WriteByte(0)
	b.WriteString(t.Rank.String())
	b.WriteByte(0)
	if t.Archived != nil {
		b.WriteString(strconv.FormatInt(t.Archived.UnixNano(), 10))
	}
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(t.Created.UnixNano(), 10))
	for _, key := range t.ChildKeys() {
		b.WriteByte(0)
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(t.ChildrenMap[key].String())
	}
	return b.String()
}

func canonicalLexeme(l *entities.Lexeme) string {
	var b strings.Builder
	b.WriteString(l.ID.String())
	b.WriteByte(0)
	b.WriteString(l.Lemma)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(l.Created.UnixNano(), 10))
	sorted := l.Clone()
	sorted.SortContexts()
	for _, c := range sorted.Contexts {
		b.WriteByte(0)
		b.WriteString(canonicalContext(c))
	}
	return b.String()
}

func canonicalContext(c entities.ThoughtContext) string {
	return c.ID.String() + "\x01" + c.Rank.String() + "\x01" + strings.Join(c.Context, "\x02")
}

func minTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
