package aggregates

import (
	"sort"

	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// ThoughtIndex maps thought ids to thoughts. It stores its own copies and
// hands out copies, so callers never alias the stored records.
type ThoughtIndex struct {
	thoughts map[valueobjects.ThoughtID]*entities.Thought
}

// NewThoughtIndex creates an empty index
func NewThoughtIndex() *ThoughtIndex {
	return &ThoughtIndex{thoughts: make(map[valueobjects.ThoughtID]*entities.Thought)}
}

// Get returns a copy of the thought
func (x *ThoughtIndex) Get(id valueobjects.ThoughtID) (*entities.Thought, bool) {
	t, ok := x.thoughts[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Has reports whether id is stored
func (x *ThoughtIndex) Has(id valueobjects.ThoughtID) bool {
	_, ok := x.thoughts[id]
	return ok
}

// Put stores a copy of t
func (x *ThoughtIndex) Put(t *entities.Thought) {
	x.thoughts[t.ID] = t.Clone()
}

// Delete removes id
func (x *ThoughtIndex) Delete(id valueobjects.ThoughtID) {
	delete(x.thoughts, id)
}

// Len returns the number of thoughts
func (x *ThoughtIndex) Len() int {
	return len(x.thoughts)
}

// IDs returns every thought id in sorted order
func (x *ThoughtIndex) IDs() []valueobjects.ThoughtID {
	ids := make([]valueobjects.ThoughtID, 0, len(x.thoughts))
	for id := range x.thoughts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
