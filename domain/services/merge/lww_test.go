package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func thought(value string, rank valueobjects.Rank, updated time.Time, children ...valueobjects.ThoughtID) *entities.Thought {
	t := entities.NewThought("t1", valueobjects.RootID, value, rank, t0)
	t.LastUpdated = updated
	for _, c := range children {
		t.AddChild(c)
	}
	return t
}

func occurrence(id valueobjects.ThoughtID, rank valueobjects.Rank, updated time.Time) entities.ThoughtContext {
	return entities.ThoughtContext{Context: []string{valueobjects.RootToken}, ID: id, Rank: rank, LastUpdated: updated}
}

func lexeme(updated time.Time, contexts ...entities.ThoughtContext) *entities.Lexeme {
	return &entities.Lexeme{ID: valueobjects.HashValue("a"), Lemma: "a", Contexts: contexts, Created: t0, LastUpdated: updated}
}

func TestMergeThoughtEqual(t *testing.T) {
	r := NewLWWResolver()
	a := thought("x", 1, at(1), "c1")
	merged, equal := r.MergeThought(a, a.Clone())
	assert.True(t, equal)
	assert.True(t, merged.Equal(a))
}

func TestMergeThoughtLastWriteWins(t *testing.T) {
	r := NewLWWResolver()
	local := thought("old", 1, at(1), "c1")
	remote := thought("new", 2, at(2), "c2")

	merged, equal := r.MergeThought(local, remote)
	assert.False(t, equal)
	assert.Equal(t, "new", merged.Value)
	assert.Equal(t, valueobjects.Rank(2), merged.Rank)
	assert.Equal(t, at(2), merged.LastUpdated)
	assert.Len(t, merged.ChildrenMap, 2, "children from both sides survive")
}

func TestMergeThoughtFillsMissingFields(t *testing.T) {
	r := NewLWWResolver()
	local := thought("kept", 3, at(1))
	remote := thought("", valueobjects.MissingRank, at(5))
	remote.ParentID = ""

	merged, _ := r.MergeThought(local, remote)
	assert.Equal(t, "kept", merged.Value)
	assert.Equal(t, valueobjects.Rank(3), merged.Rank)
	assert.Equal(t, valueobjects.RootID, merged.ParentID)
	assert.Equal(t, at(5), merged.LastUpdated)
}

func TestMergeThoughtCommutative(t *testing.T) {
	r := NewLWWResolver()
	tests := []struct {
		name string
		a, b *entities.Thought
	}{
		{name: "newer remote", a: thought("a", 1, at(1), "x"), b: thought("b", 2, at(2), "y")},
		{name: "same timestamp", a: thought("a", 1, at(3), "x"), b: thought("b", 1, at(3), "y")},
		{name: "same timestamp rank only", a: thought("a", 1, at(3)), b: thought("a", 2, at(3))},
		{name: "missing rank", a: thought("a", valueobjects.MissingRank, at(4)), b: thought("a", 7, at(1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ab, _ := r.MergeThought(tt.a, tt.b)
			ba, _ := r.MergeThought(tt.b, tt.a)
			assert.True(t, ab.Equal(ba), "merge(a,b)=%+v merge(b,a)=%+v", ab, ba)
		})
	}
}

func TestMergeLexemeConcurrentInsertsSurvive(t *testing.T) {
	r := NewLWWResolver()
	base := occurrence("t0", 0, at(0))
	local := lexeme(at(2), base, occurrence("t1", 1, at(2)))
	remote := lexeme(at(3), base, occurrence("t2", 2, at(3)))

	merged, equal := r.MergeLexeme(local, remote)
	assert.False(t, equal)
	require.Len(t, merged.Contexts, 3)
	assert.Equal(t, at(3), merged.LastUpdated)
}

func TestMergeLexemeKeepsOneSidedOccurrences(t *testing.T) {
	r := NewLWWResolver()
	local := lexeme(at(1), occurrence("t0", 0, at(0)), occurrence("t1", 1, at(1)))
	remote := lexeme(at(5), occurrence("t0", 0, at(0)))

	merged, _ := r.MergeLexeme(local, remote)
	require.Len(t, merged.Contexts, 2)
	assert.Equal(t, valueobjects.ThoughtID("t0"), merged.Contexts[0].ID)
	assert.Equal(t, valueobjects.ThoughtID("t1"), merged.Contexts[1].ID)
}

func TestMergeLexemeSharedOccurrenceKeepsNewest(t *testing.T) {
	r := NewLWWResolver()
	local := lexeme(at(4), occurrence("t1", 1, at(4)))
	remote := lexeme(at(2), occurrence("t1", 9, at(2)))

	merged, _ := r.MergeLexeme(local, remote)
	require.Len(t, merged.Contexts, 1)
	assert.Equal(t, valueobjects.Rank(1), merged.Contexts[0].Rank)
}

func TestMergeLexemeCollapsesDuplicates(t *testing.T) {
	r := NewLWWResolver()
	local := lexeme(at(4), occurrence("t1", 1, at(1)), occurrence("t1", 2, at(3)))
	remote := lexeme(at(2), occurrence("t1", 2, at(3)))

	merged, _ := r.MergeLexeme(local, remote)
	require.Len(t, merged.Contexts, 1)
	assert.Equal(t, valueobjects.Rank(2), merged.Contexts[0].Rank)
}

func TestMergeLexemeCommutative(t *testing.T) {
	r := NewLWWResolver()
	tests := []struct {
		name string
		a, b *entities.Lexeme
	}{
		{
			name: "disjoint inserts",
			a:    lexeme(at(2), occurrence("t1", 1, at(2))),
			b:    lexeme(at(3), occurrence("t2", 2, at(3))),
		},
		{
			name: "same timestamp conflict",
			a:    lexeme(at(3), occurrence("t1", 1, at(3))),
			b:    lexeme(at(3), occurrence("t1", 2, at(3))),
		},
		{
			name: "one side empty",
			a:    lexeme(at(5)),
			b:    lexeme(at(1), occurrence("t1", 1, at(1))),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ab, _ := r.MergeLexeme(tt.a, tt.b)
			ba, _ := r.MergeLexeme(tt.b, tt.a)
			assert.True(t, ab.Equal(ba), "merge(a,b)=%+v merge(b,a)=%+v", ab, ba)
		})
	}
}

// Two peers each hold their own version and receive the other's. Both must
// end with the same state.
func TestMergeConvergence(t *testing.T) {
	r := NewLWWResolver()

	thoughtA := thought("renamed on A", 1, at(2), "c1")
	thoughtB := thought("original", 4, at(1), "c2")
	peer1, _ := r.MergeThought(thoughtA, thoughtB)
	peer2, _ := r.MergeThought(thoughtB, thoughtA)
	assert.True(t, peer1.Equal(peer2))

	lexA := lexeme(at(2), occurrence("t0", 0, at(0)), occurrence("t1", 1, at(2)))
	lexB := lexeme(at(3), occurrence("t2", 2, at(3)))
	lex1, _ := r.MergeLexeme(lexA, lexB)
	lex2, _ := r.MergeLexeme(lexB, lexA)
	assert.True(t, lex1.Equal(lex2))

	// A later exchange of the merged states is a no-op.
	again, equal := r.MergeLexeme(lex1, lex2)
	assert.True(t, equal)
	assert.True(t, again.Equal(lex1))
}

func TestMergeNilSides(t *testing.T) {
	r := NewLWWResolver()
	a := thought("a", 1, at(1))
	merged, equal := r.MergeThought(nil, a)
	assert.False(t, equal)
	assert.True(t, merged.Equal(a))

	l := lexeme(at(1), occurrence("t1", 1, at(1)))
	mergedLex, _ := r.MergeLexeme(l, nil)
	assert.True(t, mergedLex.Equal(l))
}
