package aggregates_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/events"
	"github.com/cybersemics/em-sub013/domain/services/repair"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

type tickingClock struct {
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestOutline(t *testing.T) *aggregates.Outline {
	t.Helper()
	clock := &tickingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return aggregates.NewOutline(config.DefaultDomainConfig(), aggregates.WithClock(clock.Now))
}

func create(t *testing.T, o *aggregates.Outline, parent valueobjects.ThoughtID, value string, rank valueobjects.Rank) valueobjects.ThoughtID {
	t.Helper()
	id, _, err := o.CreateThought(parent, value, rank)
	require.NoError(t, err)
	return id
}

func requireConsistent(t *testing.T, o *aggregates.Outline) {
	t.Helper()
	require.Empty(t, repair.Check(o))
}

func TestCreateThought(t *testing.T) {
	o := newTestOutline(t)

	id, updates, err := o.CreateThought(valueobjects.RootID, "a", 1)
	require.NoError(t, err)

	assert.Contains(t, updates.Thoughts, id)
	assert.Contains(t, updates.Thoughts, valueobjects.RootID)
	assert.Contains(t, updates.Lexemes, valueobjects.HashValue("a"))

	lex, ok := o.LookupValue("a")
	require.True(t, ok)
	require.Len(t, lex.Contexts, 1)
	assert.Equal(t, []string{valueobjects.RootToken}, lex.Contexts[0].Context)
	assert.Equal(t, id, lex.Contexts[0].ID)
	assert.Equal(t, valueobjects.Rank(1), lex.Contexts[0].Rank)

	evts := o.PullEvents()
	require.Len(t, evts, 1)
	assert.Equal(t, events.TypeThoughtCreated, evts[0].GetEventType())
	assert.Empty(t, o.PullEvents())

	requireConsistent(t, o)
}

func TestCreateThoughtErrors(t *testing.T) {
	o := newTestOutline(t)
	create(t, o, valueobjects.RootID, "Apple", 1)

	_, _, err := o.CreateThought("nope", "x", 1)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeMissingParent))

	_, _, err = o.CreateThought(valueobjects.RootID, "apple!", 2)
	assert.ErrorIs(t, err, pkgerrors.ErrDuplicateValue)

	_, _, err = o.CreateThought(valueobjects.RootID, valueobjects.RootToken, 2)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestCreateThoughtAllowsDuplicatesWhenConfigured(t *testing.T) {
	cfg := config.DefaultDomainConfig()
	cfg.AllowDuplicateValuesInContext = true
	o := aggregates.NewOutline(cfg)

	a := create(t, o, valueobjects.RootID, "same", 1)
	b := create(t, o, valueobjects.RootID, "same", 2)

	lex, ok := o.LookupValue("same")
	require.True(t, ok)
	require.Len(t, lex.Contexts, 2)
	assert.NotEqual(t, a, b)
	requireConsistent(t, o)
}

func TestCreateThoughtRanks(t *testing.T) {
	o := newTestOutline(t)
	first := create(t, o, valueobjects.RootID, "first", 1)
	second := create(t, o, valueobjects.RootID, "second", 1)
	appended := create(t, o, valueobjects.RootID, "third", valueobjects.MissingRank)

	children, err := o.Children(valueobjects.RootID, false)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, []valueobjects.ThoughtID{first, second, appended},
		[]valueobjects.ThoughtID{children[0].ID, children[1].ID, children[2].ID})
	assert.Equal(t, valueobjects.Rank(2), children[1].Rank, "colliding rank moves past the taken one")
	assert.Equal(t, valueobjects.Rank(3), children[2].Rank)
	requireConsistent(t, o)
}

func TestRenameThoughtMovesOccurrence(t *testing.T) {
	o := newTestOutline(t)
	id := create(t, o, valueobjects.RootID, "a", 1)

	updates, err := o.RenameThought(id, "ab")
	require.NoError(t, err)

	_, ok := o.LookupValue("a")
	assert.False(t, ok, "emptied lexeme is removed")
	assert.Contains(t, updates.Lexemes, valueobjects.HashValue("a"))
	assert.Nil(t, updates.Lexemes[valueobjects.HashValue("a")])

	lex, ok := o.LookupValue("ab")
	require.True(t, ok)
	require.Len(t, lex.Contexts, 1)
	assert.Equal(t, []string{valueobjects.RootToken}, lex.Contexts[0].Context)
	assert.Equal(t, id, lex.Contexts[0].ID)
	requireConsistent(t, o)
}

func TestRenameThoughtRewritesDescendantPaths(t *testing.T) {
	o := newTestOutline(t)
	parent := create(t, o, valueobjects.RootID, "fruit", 1)
	child := create(t, o, parent, "apple", 1)
	grandchild := create(t, o, child, "seed", 1)

	_, err := o.RenameThought(parent, "produce")
	require.NoError(t, err)

	lex, ok := o.LookupValue("seed")
	require.True(t, ok)
	ctx, ok := lex.ContextFor(grandchild)
	require.True(t, ok)
	assert.Equal(t, []string{valueobjects.RootToken, "produce", "apple"}, ctx.Context)
	requireConsistent(t, o)
}

func TestRenameCaseOnlyKeepsLexeme(t *testing.T) {
	o := newTestOutline(t)
	id := create(t, o, valueobjects.RootID, "apple", 1)
	before, ok := o.LookupValue("apple")
	require.True(t, ok)

	_, err := o.RenameThought(id, "Apple")
	require.NoError(t, err)

	after, ok := o.LookupValue("APPLE")
	require.True(t, ok)
	assert.Equal(t, before.Created, after.Created)
	requireConsistent(t, o)
}

func TestMoveThought(t *testing.T) {
	o := newTestOutline(t)
	a := create(t, o, valueobjects.RootID, "a", 1)
	b := create(t, o, valueobjects.RootID, "b", 2)
	c := create(t, o, a, "c", 1)
	d := create(t, o, c, "d", 1)

	_, err := o.MoveThought(c, b, valueobjects.MissingRank)
	require.NoError(t, err)

	moved, ok := o.Thought(c)
	require.True(t, ok)
	assert.Equal(t, b, moved.ParentID)

	oldParent, _ := o.Thought(a)
	assert.False(t, oldParent.HasChild(c))

	lex, ok := o.LookupValue("d")
	require.True(t, ok)
	ctx, _ := lex.ContextFor(d)
	assert.Equal(t, []string{valueobjects.RootToken, "b", "c"}, ctx.Context)
	requireConsistent(t, o)
}

func TestMoveThoughtRejectsCycles(t *testing.T) {
	o := newTestOutline(t)
	a := create(t, o, valueobjects.RootID, "a", 1)
	b := create(t, o, a, "b", 1)

	_, err := o.MoveThought(a, b, 1)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidMove)

	_, err = o.MoveThought(a, a, 1)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidMove)

	_, err = o.MoveThought(valueobjects.RootID, a, 1)
	assert.ErrorIs(t, err, pkgerrors.ErrRootImmutable)
	requireConsistent(t, o)
}

func TestReorderWithinParent(t *testing.T) {
	o := newTestOutline(t)
	a := create(t, o, valueobjects.RootID, "a", 1)
	b := create(t, o, valueobjects.RootID, "b", 2)

	_, err := o.MoveThought(b, valueobjects.RootID, 0)
	require.NoError(t, err)

	children, err := o.Children(valueobjects.RootID, false)
	require.NoError(t, err)
	assert.Equal(t, b, children[0].ID)
	assert.Equal(t, a, children[1].ID)
	requireConsistent(t, o)
}

func TestDeleteThoughtCascades(t *testing.T) {
	o := newTestOutline(t)
	keep := create(t, o, valueobjects.RootID, "shared", 1)
	parent := create(t, o, valueobjects.RootID, "parent", 2)
	child := create(t, o, parent, "shared", 1)
	grandchild := create(t, o, child, "leaf", 1)

	updates, err := o.DeleteThought(parent)
	require.NoError(t, err)

	for _, id := range []valueobjects.ThoughtID{parent, child, grandchild} {
		_, ok := o.Thought(id)
		assert.False(t, ok)
		assert.Contains(t, updates.Thoughts, id)
	}

	_, ok := o.LookupValue("leaf")
	assert.False(t, ok)
	_, ok = o.LookupValue("parent")
	assert.False(t, ok)

	shared, ok := o.LookupValue("shared")
	require.True(t, ok)
	require.Len(t, shared.Contexts, 1)
	assert.Equal(t, keep, shared.Contexts[0].ID)

	evts := o.PullEvents()
	last := evts[len(evts)-1].(events.ThoughtDeleted)
	assert.Equal(t, 2, last.Descendants)
	requireConsistent(t, o)
}

func TestDeleteThoughtReportsCorruption(t *testing.T) {
	o := newTestOutline(t)
	a := create(t, o, valueobjects.RootID, "a", 1)
	b := create(t, o, a, "b", 1)

	// Drop b from its parent's children map behind the outline's back.
	parent, _ := o.Thought(a)
	parent.RemoveChild(b)
	u := aggregates.NewUpdates()
	u.PutThought(parent)
	require.NoError(t, o.ApplyUpdates(u))

	_, err := o.DeleteThought(b)
	assert.ErrorIs(t, err, pkgerrors.ErrChildrenMapCorrupt)

	orphan, _ := o.Thought(b)
	orphan.ParentID = "gone"
	u = aggregates.NewUpdates()
	u.PutThought(orphan)
	require.NoError(t, o.ApplyUpdates(u))

	_, err = o.DeleteThought(b)
	assert.ErrorIs(t, err, pkgerrors.ErrMissingParent)

	_, err = o.DeleteThought("unknown")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestArchiveThought(t *testing.T) {
	o := newTestOutline(t)
	a := create(t, o, valueobjects.RootID, "a", 1)

	updates, err := o.ArchiveThought(a)
	require.NoError(t, err)
	assert.Len(t, updates.Thoughts, 1)

	visible, err := o.Children(valueobjects.RootID, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := o.Children(valueobjects.RootID, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	updates, err = o.ArchiveThought(a)
	require.NoError(t, err)
	assert.True(t, updates.IsEmpty())

	_, err = o.UnarchiveThought(a)
	require.NoError(t, err)
	th, _ := o.Thought(a)
	assert.False(t, th.IsArchived())
	requireConsistent(t, o)
}

func TestApplyUpdatesHydratesOccurrences(t *testing.T) {
	o := newTestOutline(t)
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	root, _ := o.Thought(valueobjects.RootID)
	root.AddChild("p")
	parent := entities.NewThought("p", valueobjects.RootID, "p", 1, now)
	parent.AddChild("c")
	child := entities.NewThought("c", "p", "c", 5, now)

	u := aggregates.NewUpdates()
	u.PutThought(root)
	u.PutThought(parent)
	u.PutThought(child)
	u.PutLexeme(&entities.Lexeme{ID: valueobjects.HashValue("p"), Lemma: "p", Contexts: []entities.ThoughtContext{{ID: "p"}}, Created: now, LastUpdated: now})
	u.PutLexeme(&entities.Lexeme{ID: valueobjects.HashValue("c"), Lemma: "c", Contexts: []entities.ThoughtContext{{ID: "c"}}, Created: now, LastUpdated: now})

	require.NoError(t, o.ApplyUpdates(u))

	lex, ok := o.LookupValue("c")
	require.True(t, ok)
	assert.Equal(t, []string{valueobjects.RootToken, "p"}, lex.Contexts[0].Context)
	assert.Equal(t, valueobjects.Rank(5), lex.Contexts[0].Rank)
	assert.Equal(t, now, lex.Contexts[0].LastUpdated)
	requireConsistent(t, o)
}

func TestApplyUpdatesIsAllOrNothing(t *testing.T) {
	o := newTestOutline(t)
	u := aggregates.NewUpdates()
	u.PutThought(entities.NewThought("x", valueobjects.RootID, "x", 1, time.Now()))
	u.Thoughts["y"] = entities.NewThought("not-y", valueobjects.RootID, "y", 2, time.Now())

	require.Error(t, o.ApplyUpdates(u))
	_, ok := o.Thought("x")
	assert.False(t, ok)

	u = aggregates.NewUpdates()
	u.DeleteThought(valueobjects.RootID)
	assert.ErrorIs(t, o.ApplyUpdates(u), pkgerrors.ErrRootImmutable)
}

func TestRanksStayUniqueUnderEdits(t *testing.T) {
	o := newTestOutline(t)
	var ids []valueobjects.ThoughtID
	for i, v := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, create(t, o, valueobjects.RootID, v, valueobjects.Rank(i%2)))
	}
	for _, id := range ids[1:] {
		_, err := o.MoveThought(id, valueobjects.RootID, 0)
		require.NoError(t, err)
	}

	children, err := o.Children(valueobjects.RootID, true)
	require.NoError(t, err)
	seen := make(map[valueobjects.Rank]bool)
	for _, c := range children {
		assert.False(t, seen[c.Rank], "rank %s repeated", c.Rank)
		seen[c.Rank] = true
	}
	requireConsistent(t, o)
}
