package entities

import (
	"sort"
	"time"

	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// Thought is one node of the outline tree. Order among siblings is derived
// from Rank; ChildrenMap only records membership.
type Thought struct {
	ID          valueobjects.ThoughtID
	Value       string
	ParentID    valueobjects.ThoughtID
	ChildrenMap map[string]valueobjects.ThoughtID
	Rank        valueobjects.Rank
	Created     time.Time
	LastUpdated time.Time
	Archived    *time.Time
}

// NewRoot returns the sentinel root thought
func NewRoot(now time.Time) *Thought {
	return &Thought{
		ID:          valueobjects.RootID,
		Value:       valueobjects.RootToken,
		ChildrenMap: make(map[string]valueobjects.ThoughtID),
		Rank:        0,
		Created:     now,
		LastUpdated: now,
	}
}

// NewThought creates a thought under parentID
func NewThought(id valueobjects.ThoughtID, parentID valueobjects.ThoughtID, value string, rank valueobjects.Rank, now time.Time) *Thought {
	return &Thought{
		ID:          id,
		Value:       value,
		ParentID:    parentID,
		ChildrenMap: make(map[string]valueobjects.ThoughtID),
		Rank:        rank,
		Created:     now,
		LastUpdated: now,
	}
}

// IsRoot reports whether this is the root sentinel
func (t *Thought) IsRoot() bool {
	return t.ID.IsRoot()
}

// IsArchived reports whether the thought carries an archive marker
func (t *Thought) IsArchived() bool {
	return t.Archived != nil
}

// AddChild lists id in the children map
func (t *Thought) AddChild(id valueobjects.ThoughtID) {
	if t.ChildrenMap == nil {
		t.ChildrenMap = make(map[string]valueobjects.ThoughtID)
	}
	t.ChildrenMap[id.ChildKey()] = id
}

// RemoveChild drops every children map entry pointing at id and reports
// whether any was found.
func (t *Thought) RemoveChild(id valueobjects.ThoughtID) bool {
	found := false
	for key, child := range t.ChildrenMap {
		if child == id {
			delete(t.ChildrenMap, key)
			found = true
		}
	}
	return found
}

// HasChild reports whether the children map lists id
func (t *Thought) HasChild(id valueobjects.ThoughtID) bool {
	for _, child := range t.ChildrenMap {
		if child == id {
			return true
		}
	}
	return false
}

// ChildKeys returns the children map keys in sorted order
func (t *Thought) ChildKeys() []string {
	keys := make([]string, 0, len(t.ChildrenMap))
	for key := range t.ChildrenMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Touch bumps LastUpdated, never moving it backwards
func (t *Thought) Touch(now time.Time) {
	if now.After(t.LastUpdated) {
		t.LastUpdated = now
	}
}

// Clone returns a deep copy
func (t *Thought) Clone() *Thought {
	if t == nil {
		return nil
	}
	c := *t
	c.ChildrenMap = make(map[string]valueobjects.ThoughtID, len(t.ChildrenMap))
	for key, id := range t.ChildrenMap {
		c.ChildrenMap[key] = id
	}
	if t.Archived != nil {
		archived := *t.Archived
		c.Archived = &archived
	}
	return &c
}

// Equal compares every field. Missing ranks compare equal.
func (t *Thought) Equal(other *Thought) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.ID != other.ID || t.Value != other.Value || t.ParentID != other.ParentID {
		return false
	}
	if !t.Rank.Equal(other.Rank) || !t.Created.Equal(other.Created) || !t.LastUpdated.Equal(other.LastUpdated) {
		return false
	}
	if (t.Archived == nil) != (other.Archived == nil) {
		return false
	}
	if t.Archived != nil && !t.Archived.Equal(*other.Archived) {
		return false
	}
	if len(t.ChildrenMap) != len(other.ChildrenMap) {
		return false
	}
	for key, id := range t.ChildrenMap {
		if otherID, ok := other.ChildrenMap[key]; !ok || otherID != id {
			return false
		}
	}
	return true
}

// SortByRank orders thoughts by rank, missing ranks last, ties broken by id.
func SortByRank(thoughts []*Thought) {
	sort.SliceStable(thoughts, func(i, j int) bool {
		a, b := thoughts[i], thoughts[j]
		switch {
		case a.Rank.IsMissing() && b.Rank.IsMissing():
			return a.ID < b.ID
		case a.Rank.IsMissing():
			return false
		case b.Rank.IsMissing():
			return true
		case a.Rank != b.Rank:
			return a.Rank < b.Rank
		default:
			return a.ID < b.ID
		}
	})
}
