package valueobjects

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
)

// Rank orders siblings under one parent. NaN marks a missing or unreadable rank.
type Rank float64

// MissingRank is the rank of a thought whose rank was lost or never set
var MissingRank = Rank(math.NaN())

// IsMissing reports whether the rank has no usable value
func (r Rank) IsMissing() bool {
	f := float64(r)
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// Float64 returns the rank as a float
func (r Rank) Float64() float64 {
	return float64(r)
}

// Equal compares ranks, treating two missing ranks as equal
func (r Rank) Equal(other Rank) bool {
	if r.IsMissing() || other.IsMissing() {
		return r.IsMissing() && other.IsMissing()
	}
	return r == other
}

// String formats the rank in its shortest round-trip form
func (r Rank) String() string {
	if r.IsMissing() {
		return "null"
	}
	return strconv.FormatFloat(float64(r), 'g', -1, 64)
}

// ParseRank reads a rank from its numeric text. Unparsable text yields MissingRank.
func ParseRank(s string) Rank {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return MissingRank
	}
	return Rank(f)
}

// MarshalJSON implements json.Marshaler. Missing ranks encode as null.
func (r Rank) MarshalJSON() ([]byte, error) {
	if r.IsMissing() {
		return []byte("null"), nil
	}
	return []byte(r.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler. Older documents carried ranks as
// strings; those are parsed, and anything unreadable becomes MissingRank.
func (r *Rank) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = MissingRank
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*r = MissingRank
			return nil
		}
		*r = ParseRank(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*r = MissingRank
		return nil
	}
	*r = Rank(f)
	return nil
}

// RankBefore returns a rank ordered before r
func RankBefore(r Rank) Rank {
	if r.IsMissing() {
		return 0
	}
	next := r - 1
	if next >= r {
		next = Rank(math.Nextafter(float64(r), math.Inf(-1)))
	}
	if next.IsMissing() {
		return r
	}
	return next
}

// RankAfter returns a rank ordered after r
func RankAfter(r Rank) Rank {
	if r.IsMissing() {
		return 0
	}
	next := r + 1
	if next <= r {
		next = Rank(math.Nextafter(float64(r), math.Inf(1)))
	}
	if next.IsMissing() {
		return r
	}
	return next
}

// RankBetween returns a rank strictly between a and b when one is
// representable. Once float precision is exhausted it returns the lower
// neighbor, and the resulting collision is left for repair to resolve.
func RankBetween(a, b Rank) Rank {
	switch {
	case a.IsMissing() && b.IsMissing():
		return 0
	case a.IsMissing():
		return RankBefore(b)
	case b.IsMissing():
		return RankAfter(a)
	}
	if a > b {
		a, b = b, a
	}
	if a == b {
		return a
	}
	mid := a + (b-a)/2
	if mid > a && mid < b {
		return mid
	}
	if up := Rank(math.Nextafter(float64(a), float64(b))); up > a && up < b {
		return up
	}
	return a
}

// RandomRankAfter returns a rank past r offset by a random fraction, so that
// peers repairing the same sibling set concurrently are unlikely to collide.
func RandomRankAfter(r Rank) Rank {
	base := Rank(0)
	if !r.IsMissing() {
		base = r
	}
	next := base + 1 + Rank(rand.Float64())
	if next <= base {
		return RankAfter(base)
	}
	return next
}

// SortRanks returns the usable ranks in ascending order
func SortRanks(ranks []Rank) []Rank {
	out := make([]Rank, 0, len(ranks))
	for _, r := range ranks {
		if !r.IsMissing() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AppendRank returns a rank after every sibling
func AppendRank(siblings []Rank) Rank {
	sorted := SortRanks(siblings)
	if len(sorted) == 0 {
		return 0
	}
	return RankAfter(sorted[len(sorted)-1])
}

// PrependRank returns a rank before every sibling
func PrependRank(siblings []Rank) Rank {
	sorted := SortRanks(siblings)
	if len(sorted) == 0 {
		return 0
	}
	return RankBefore(sorted[0])
}

// NextDistinctRank returns the smallest sibling rank strictly greater than r.
func NextDistinctRank(r Rank, siblings []Rank) (Rank, bool) {
	for _, s := range SortRanks(siblings) {
		if s > r {
			return s, true
		}
	}
	return MissingRank, false
}

// ResolveCollision returns r when no sibling holds it, otherwise a rank
// between r and the next distinct sibling rank.
func ResolveCollision(r Rank, siblings []Rank) Rank {
	if r.IsMissing() {
		return AppendRank(siblings)
	}
	taken := false
	for _, s := range siblings {
		if s.Equal(r) {
			taken = true
			break
		}
	}
	if !taken {
		return r
	}
	if next, ok := NextDistinctRank(r, siblings); ok {
		return RankBetween(r, next)
	}
	return RankAfter(r)
}
