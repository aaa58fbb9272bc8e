package aggregates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

func TestLexemeIndexContexts(t *testing.T) {
	x := NewLexemeIndex()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := valueobjects.HashValue("Apple")
	root := []string{valueobjects.RootToken}

	x.UpsertContext(key, "Apple", root, "t1", 1, t0)
	l := x.UpsertContext(key, "Apple", root, "t1", 4, t0.Add(time.Second))
	require.Len(t, l.Contexts, 1, "upsert is idempotent per thought")
	assert.Equal(t, valueobjects.Rank(4), l.Contexts[0].Rank)

	l = x.UpsertContext(key, "apple", []string{valueobjects.RootToken, "Fruit"}, "t2", 1, t0.Add(2*time.Second))
	assert.Len(t, l.Contexts, 2)
	assert.Equal(t, "Apple", l.Lemma)

	found, ok := x.LookupValue("APPLE")
	require.True(t, ok)
	assert.Len(t, found.Contexts, 2)
	_, ok = x.LookupValue("Banana")
	assert.False(t, ok)

	// Lookups hand out copies.
	found.Contexts = nil
	again, _ := x.Lookup(key)
	assert.Len(t, again.Contexts, 2)

	l = x.RemoveContext(key, "t1", t0.Add(3*time.Second))
	require.NotNil(t, l)
	assert.Len(t, l.Contexts, 1)
	assert.Nil(t, x.RemoveContext(key, "t2", t0.Add(4*time.Second)))
	assert.Zero(t, x.Len())
	assert.Nil(t, x.RemoveContext(key, "t2", t0))
}
