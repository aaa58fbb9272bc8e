package repair

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// memState is a raw map-backed state that, unlike Outline, accepts any
// corruption a test wants to set up.
type memState struct {
	thoughts map[valueobjects.ThoughtID]*entities.Thought
	lexemes  map[valueobjects.LexemeKey]*entities.Lexeme
}

func newMemState() *memState {
	s := &memState{
		thoughts: make(map[valueobjects.ThoughtID]*entities.Thought),
		lexemes:  make(map[valueobjects.LexemeKey]*entities.Lexeme),
	}
	s.thoughts[valueobjects.RootID] = entities.NewRoot(t0)
	return s
}

func (s *memState) Thought(id valueobjects.ThoughtID) (*entities.Thought, bool) {
	t, ok := s.thoughts[id]
	return t.Clone(), ok
}

func (s *memState) Lexeme(key valueobjects.LexemeKey) (*entities.Lexeme, bool) {
	l, ok := s.lexemes[key]
	return l.Clone(), ok
}

func (s *memState) ThoughtIDs() []valueobjects.ThoughtID {
	ids := make([]valueobjects.ThoughtID, 0, len(s.thoughts))
	for id := range s.thoughts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memState) LexemeKeys() []valueobjects.LexemeKey {
	keys := make([]valueobjects.LexemeKey, 0, len(s.lexemes))
	for key := range s.lexemes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *memState) apply(r *Report) {
	for id, t := range r.ThoughtIndexUpdates {
		if t == nil {
			delete(s.thoughts, id)
		} else {
			s.thoughts[id] = t.Clone()
		}
	}
	for key, l := range r.LexemeIndexUpdates {
		if l == nil {
			delete(s.lexemes, key)
		} else {
			s.lexemes[key] = l.Clone()
		}
	}
}

// add inserts a consistent thought and its occurrence
func (s *memState) add(id, parent valueobjects.ThoughtID, value string, rank valueobjects.Rank) *entities.Thought {
	t := entities.NewThought(id, parent, value, rank, t0)
	s.thoughts[id] = t
	s.thoughts[parent].AddChild(id)

	path, err := pathFromMap(s.thoughts, parent)
	if err != nil {
		panic(err)
	}
	key := valueobjects.HashValue(value)
	l, ok := s.lexemes[key]
	if !ok {
		l = &entities.Lexeme{ID: key, Lemma: value, Created: t0, LastUpdated: t0}
		s.lexemes[key] = l
	}
	l.UpsertContext(entities.ThoughtContext{Context: path, ID: id, Rank: rank, LastUpdated: t0})
	return t
}

func newTestEngine() *Engine {
	return NewEngine(config.DefaultDomainConfig(), zap.NewNop(), WithClock(func() time.Time { return t0.Add(time.Hour) }))
}

func runAndApply(t *testing.T, e *Engine, s *memState, opts Options) *Report {
	t.Helper()
	report, err := e.Run(context.Background(), s, opts)
	require.NoError(t, err)
	s.apply(report)
	return report
}

// requireRepaired checks the state is consistent and that a second pass
// finds nothing left to do.
func requireRepaired(t *testing.T, e *Engine, s *memState) {
	t.Helper()
	require.Empty(t, Check(s))
	second, err := e.Run(context.Background(), s, Options{})
	require.NoError(t, err)
	assert.True(t, second.IsEmpty(), "second pass corrected %v", second.Counts)
}

func TestRepairConsistentStateIsNoop(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)
	s.add("b", "a", "b", 1)

	report, err := newTestEngine().Run(context.Background(), s, Options{})
	require.NoError(t, err)
	assert.True(t, report.IsEmpty())
	assert.Equal(t, 3, report.Visited)
	assert.False(t, report.Truncated)
}

func TestRepairDropsMissingChild(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)
	s.thoughts[valueobjects.RootID].AddChild("ghost")

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 1, report.Counts[MissingChildThought])
	assert.Equal(t, 1, report.Total())
	assert.False(t, s.thoughts[valueobjects.RootID].HasChild("ghost"))
	requireRepaired(t, e, s)
}

func TestRepairStaleChildrenMapEntry(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)
	s.add("b", valueobjects.RootID, "b", 2)
	s.add("c", "b", "c", 1)
	// a still lists c although c belongs to b.
	s.thoughts["a"].AddChild("c")

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 1, report.Counts[ChildrenMapCorrupt])
	assert.False(t, s.thoughts["a"].HasChild("c"))
	assert.True(t, s.thoughts["b"].HasChild("c"))
	requireRepaired(t, e, s)
}

func TestRepairRepointsChildWithWrongParent(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)
	c := s.add("c", "a", "c", 1)
	c.ParentID = "elsewhere"

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 1, report.Counts[ChildrenMapCorrupt])
	assert.Equal(t, valueobjects.ThoughtID("a"), s.thoughts["c"].ParentID)
	requireRepaired(t, e, s)
}

func TestRepairRestoresMissingIDAndRank(t *testing.T) {
	s := newMemState()
	a := s.add("a", valueobjects.RootID, "a", 1)
	b := s.add("b", valueobjects.RootID, "b", 2)
	a.ID = ""
	b.Rank = valueobjects.MissingRank

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 1, report.Counts[MissingID])
	assert.Equal(t, 1, report.Counts[MissingRank])
	assert.Equal(t, valueobjects.ThoughtID("a"), s.thoughts["a"].ID)
	assert.Greater(t, float64(s.thoughts["b"].Rank), 1.0)
	assert.Equal(t, 1, report.Counts[MismatchedLexemeContext], "b's occurrence follows its new rank")
	requireRepaired(t, e, s)
}

func TestRepairDuplicateRanks(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)
	s.add("b", valueobjects.RootID, "b", 1)
	s.add("c", valueobjects.RootID, "c", 1)
	s.add("d", valueobjects.RootID, "d", 2)

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 2, report.Counts[DuplicateRank])
	assert.Equal(t, valueobjects.Rank(1), s.thoughts["a"].Rank, "first holder keeps its rank")
	ranks := map[valueobjects.Rank]bool{}
	for _, id := range []valueobjects.ThoughtID{"a", "b", "c", "d"} {
		r := s.thoughts[id].Rank
		assert.False(t, ranks[r])
		ranks[r] = true
		assert.LessOrEqual(t, float64(r), 2.0)
	}
	requireRepaired(t, e, s)
}

func TestRepairLexemeContexts(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "apple", 1)
	s.add("b", valueobjects.RootID, "banana", 2)
	s.add("c", valueobjects.RootID, "cherry", 3)
	s.add("d", valueobjects.RootID, "date", 4)

	delete(s.lexemes, valueobjects.HashValue("apple"))
	s.lexemes[valueobjects.HashValue("banana")].Contexts = nil
	s.lexemes[valueobjects.HashValue("banana")].Contexts = []entities.ThoughtContext{{Context: []string{"x"}, ID: "other-banana", Rank: 1}}
	s.lexemes[valueobjects.HashValue("cherry")].Contexts[0].Rank = 99
	dateLex := s.lexemes[valueobjects.HashValue("date")]
	dateLex.Contexts = append(dateLex.Contexts, dateLex.Contexts[0])

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 1, report.Counts[MissingLexeme])
	assert.Equal(t, 1, report.Counts[MissingLexemeContext])
	assert.Equal(t, 1, report.Counts[MismatchedLexemeContext])
	assert.Equal(t, 1, report.Counts[DuplicateThoughtContextIDs])
	assert.Equal(t, 1, report.Counts[OrphanedContext], "occurrence of an unknown thought is pruned")
	requireRepaired(t, e, s)
}

func TestRepairDuplicateValuesInOneContext(t *testing.T) {
	s := newMemState()
	s.add("x1", valueobjects.RootID, "same", 1)
	s.add("x2", valueobjects.RootID, "same", 2)
	s.lexemes[valueobjects.HashValue("same")].Contexts[1].Rank = 7

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 1, report.Counts[MismatchedLexemeContext])
	lex := s.lexemes[valueobjects.HashValue("same")]
	require.Len(t, lex.Contexts, 2)
	ctx1, _ := lex.ContextFor("x1")
	ctx2, _ := lex.ContextFor("x2")
	assert.Equal(t, valueobjects.Rank(1), ctx1.Rank)
	assert.Equal(t, valueobjects.Rank(2), ctx2.Rank)
	requireRepaired(t, e, s)
}

func TestRepairOrphanedContextAfterRename(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "old", 1)
	s.thoughts["a"].Value = "new"

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 1, report.Counts[MissingLexeme])
	assert.Equal(t, 1, report.Counts[OrphanedContext])
	_, ok := s.lexemes[valueobjects.HashValue("old")]
	assert.False(t, ok, "emptied lexeme is removed")
	requireRepaired(t, e, s)
}

func TestRepairRelinksUnreachableThoughts(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)
	s.add("b", "a", "b", 1)
	s.add("c", "b", "c", 1)
	s.add("orphan", "a", "orphan", 2)
	// a forgets both b and orphan; orphan's subtree still points at a.
	s.thoughts["a"].RemoveChild("b")
	s.thoughts["a"].RemoveChild("orphan")
	// lost hangs off a parent that no longer exists.
	s.thoughts["lost"] = entities.NewThought("lost", "vanished", "lost", 1, t0)

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.Equal(t, 3, report.Counts[UnreachableThought])
	assert.True(t, s.thoughts["a"].HasChild("b"))
	assert.True(t, s.thoughts["a"].HasChild("orphan"))
	assert.True(t, s.thoughts[valueobjects.RootID].HasChild("lost"))
	assert.Equal(t, valueobjects.RootID, s.thoughts["lost"].ParentID)
	assert.Equal(t, 1, report.Counts[MissingLexeme], "lost had no occurrence")
	requireRepaired(t, e, s)
}

func TestRepairBreaksCycles(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)
	s.thoughts["x"] = entities.NewThought("x", "y", "x", 1, t0)
	s.thoughts["y"] = entities.NewThought("y", "x", "y", 1, t0)
	s.thoughts["x"].AddChild("y")
	s.thoughts["y"].AddChild("x")
	// a also lists root, which must never be visited twice.
	s.thoughts["a"].AddChild(valueobjects.RootID)

	e := newTestEngine()
	report := runAndApply(t, e, s, Options{})

	assert.GreaterOrEqual(t, report.Counts[CycleDetected], 2)
	assert.Equal(t, 1, report.Counts[UnreachableThought])
	assert.False(t, s.thoughts["a"].HasChild(valueobjects.RootID))
	requireRepaired(t, e, s)
}

func TestRepairTruncatesAtMaxItems(t *testing.T) {
	s := newMemState()
	parent := valueobjects.RootID
	for _, id := range []valueobjects.ThoughtID{"a", "b", "c", "d", "e"} {
		s.add(id, parent, id.String(), 1)
		parent = id
	}
	s.thoughts["e"].AddChild("ghost")

	e := newTestEngine()
	report, err := e.Run(context.Background(), s, Options{MaxItems: 3})
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.Equal(t, 3, report.Visited)
	assert.Zero(t, report.Counts[MissingChildThought])

	report, err = e.Run(context.Background(), s, Options{MaxDepth: 2})
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.Zero(t, report.Counts[MissingChildThought])
	assert.Zero(t, report.Counts[UnreachableThought], "unreachable sweep is skipped when truncated")

	report = runAndApply(t, e, s, Options{})
	assert.False(t, report.Truncated)
	assert.Equal(t, 1, report.Counts[MissingChildThought])
	requireRepaired(t, e, s)
}

func TestRepairHonorsCancellation(t *testing.T) {
	s := newMemState()
	s.add("a", valueobjects.RootID, "a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestEngine().Run(ctx, s, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepairOnOutline(t *testing.T) {
	o := aggregates.NewOutline(config.DefaultDomainConfig())
	_, _, err := o.CreateThought(valueobjects.RootID, "a", 1)
	require.NoError(t, err)

	report, err := newTestEngine().Run(context.Background(), o, Options{})
	require.NoError(t, err)
	assert.True(t, report.IsEmpty())
}
