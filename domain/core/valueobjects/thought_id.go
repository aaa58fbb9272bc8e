package valueobjects

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// RootToken is both the id and the value of the sentinel root thought.
const RootToken = "__ROOT__"

// ThoughtID is the opaque identifier of a thought. Locally generated ids are
// UUIDs, but ids received from peers are accepted as long as they are non-empty.
type ThoughtID string

// RootID is the id of the sentinel root thought
const RootID ThoughtID = RootToken

// NewThoughtID creates a new random ThoughtID
func NewThoughtID() ThoughtID {
	return ThoughtID(uuid.New().String())
}

// ParseThoughtID creates a ThoughtID from an existing string
func ParseThoughtID(id string) (ThoughtID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("thought ID cannot be empty")
	}
	if strings.ContainsAny(id, "/\x00") {
		return "", errors.New("thought ID contains reserved characters")
	}
	return ThoughtID(id), nil
}

// String returns the string representation of the ThoughtID
func (id ThoughtID) String() string {
	return string(id)
}

// IsZero checks if the ThoughtID is the zero value
func (id ThoughtID) IsZero() bool {
	return id == ""
}

// IsRoot reports whether id addresses the root sentinel
func (id ThoughtID) IsRoot() bool {
	return id == RootID
}

// ChildKey returns the childrenMap key under which a parent lists this thought.
func (id ThoughtID) ChildKey() string {
	return string(id)
}
