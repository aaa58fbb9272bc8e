package valueobjects

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankBeforeAfter(t *testing.T) {
	assert.Equal(t, Rank(0), RankBefore(1))
	assert.Equal(t, Rank(2), RankAfter(1))
	assert.Equal(t, Rank(0), RankAfter(MissingRank))

	big := Rank(1e300)
	assert.Less(t, float64(RankBefore(big)), float64(big))
	assert.Greater(t, float64(RankAfter(big)), float64(big))

	top := Rank(math.MaxFloat64)
	assert.Equal(t, top, RankAfter(top), "overflow returns the neighbor instead of infinity")
}

func TestRankBetween(t *testing.T) {
	tests := []struct {
		name string
		a, b Rank
		want Rank
	}{
		{name: "midpoint", a: 1, b: 2, want: 1.5},
		{name: "reversed arguments", a: 2, b: 1, want: 1.5},
		{name: "missing lower", a: MissingRank, b: 4, want: 3},
		{name: "missing upper", a: 4, b: MissingRank, want: 5},
		{name: "equal", a: 3, b: 3, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RankBetween(tt.a, tt.b))
		})
	}
}

func TestRankBetweenPrecisionExhaustion(t *testing.T) {
	lo, hi := Rank(1), Rank(2)
	steps := 0
	for ; steps < 2000; steps++ {
		mid := RankBetween(lo, hi)
		require.False(t, mid.IsMissing())
		require.GreaterOrEqual(t, float64(mid), float64(lo))
		require.Less(t, float64(mid), float64(hi))
		if mid == lo {
			break
		}
		hi = mid
	}
	assert.Less(t, steps, 2000, "interval is exhausted after finitely many splits")
	assert.Equal(t, Rank(math.Nextafter(1, 2)), hi)
	assert.Equal(t, lo, RankBetween(lo, hi), "exhausted interval falls back to the lower neighbor")
}

func TestAppendPrependRank(t *testing.T) {
	siblings := []Rank{3, MissingRank, -1, 7}
	assert.Equal(t, Rank(8), AppendRank(siblings))
	assert.Equal(t, Rank(-2), PrependRank(siblings))
	assert.Equal(t, Rank(0), AppendRank(nil))
}

func TestResolveCollision(t *testing.T) {
	siblings := []Rank{1, 2, 4}
	assert.Equal(t, Rank(3), ResolveCollision(3, siblings))
	assert.Equal(t, Rank(1.5), ResolveCollision(1, siblings))
	assert.Equal(t, Rank(5), ResolveCollision(4, siblings))
	assert.Equal(t, Rank(5), ResolveCollision(MissingRank, siblings))
}

func TestRandomRankAfter(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := RandomRankAfter(10)
		assert.Greater(t, float64(r), 10.0)
		assert.Less(t, float64(r), 12.0)
	}
}

func TestRankJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    Rank
		missing bool
	}{
		{input: `1.5`, want: 1.5},
		{input: `"2.25"`, want: 2.25},
		{input: `"-3"`, want: -3},
		{input: `null`, missing: true},
		{input: `"1.2.3"`, missing: true},
		{input: `"abc"`, missing: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var r Rank
			require.NoError(t, json.Unmarshal([]byte(tt.input), &r))
			if tt.missing {
				assert.True(t, r.IsMissing())
				return
			}
			assert.Equal(t, tt.want, r)
		})
	}

	data, err := json.Marshal(struct {
		A Rank `json:"a"`
		B Rank `json:"b"`
	}{A: 0.5, B: MissingRank})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":0.5,"b":null}`, string(data))
}
