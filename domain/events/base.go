package events

import (
	"time"

	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// DomainEvent is the base interface for all domain events
// Events represent something that has happened in the past
type DomainEvent interface {
	GetAggregateID() string
	GetEventType() string
	GetTimestamp() time.Time
	GetVersion() int
}

// Event types recorded by the outline
const (
	TypeThoughtCreated    = "thought.created"
	TypeThoughtMoved      = "thought.moved"
	TypeThoughtRenamed    = "thought.renamed"
	TypeThoughtDeleted    = "thought.deleted"
	TypeThoughtArchived   = "thought.archived"
	TypeThoughtUnarchived = "thought.unarchived"
)

// BaseEvent provides common event fields
type BaseEvent struct {
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

func (e BaseEvent) GetAggregateID() string  { return e.AggregateID }
func (e BaseEvent) GetEventType() string    { return e.EventType }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetVersion() int         { return e.Version }

func newBase(id valueobjects.ThoughtID, eventType string, timestamp time.Time) BaseEvent {
	return BaseEvent{
		AggregateID: id.String(),
		EventType:   eventType,
		Timestamp:   timestamp,
		Version:     1,
	}
}

// ThoughtCreated is raised when a thought is added to the outline
type ThoughtCreated struct {
	BaseEvent
	ThoughtID valueobjects.ThoughtID `json:"thought_id"`
	ParentID  valueobjects.ThoughtID `json:"parent_id"`
	Value     string                 `json:"value"`
	Rank      valueobjects.Rank      `json:"rank"`
}

// NewThoughtCreated creates a ThoughtCreated event
func NewThoughtCreated(id, parentID valueobjects.ThoughtID, value string, rank valueobjects.Rank, timestamp time.Time) ThoughtCreated {
	return ThoughtCreated{
		BaseEvent: newBase(id, TypeThoughtCreated, timestamp),
		ThoughtID: id,
		ParentID:  parentID,
		Value:     value,
		Rank:      rank,
	}
}

// ThoughtMoved is raised when a thought changes parent or rank
type ThoughtMoved struct {
	BaseEvent
	ThoughtID   valueobjects.ThoughtID `json:"thought_id"`
	OldParentID valueobjects.ThoughtID `json:"old_parent_id"`
	NewParentID valueobjects.ThoughtID `json:"new_parent_id"`
	OldRank     valueobjects.Rank      `json:"old_rank"`
	NewRank     valueobjects.Rank      `json:"new_rank"`
}

// NewThoughtMoved creates a ThoughtMoved event
func NewThoughtMoved(id, oldParent, newParent valueobjects.ThoughtID, oldRank, newRank valueobjects.Rank, timestamp time.Time) ThoughtMoved {
	return ThoughtMoved{
		BaseEvent:   newBase(id, TypeThoughtMoved, timestamp),
		ThoughtID:   id,
		OldParentID: oldParent,
		NewParentID: newParent,
		OldRank:     oldRank,
		NewRank:     newRank,
	}
}

// ThoughtRenamed is raised when a thought's value changes
type ThoughtRenamed struct {
	BaseEvent
	ThoughtID valueobjects.ThoughtID `json:"thought_id"`
	OldValue  string                 `json:"old_value"`
	NewValue  string                 `json:"new_value"`
}

// NewThoughtRenamed creates a ThoughtRenamed event
func NewThoughtRenamed(id valueobjects.ThoughtID, oldValue, newValue string, timestamp time.Time) ThoughtRenamed {
	return ThoughtRenamed{
		BaseEvent: newBase(id, TypeThoughtRenamed, timestamp),
		ThoughtID: id,
		OldValue:  oldValue,
		NewValue:  newValue,
	}
}

// ThoughtDeleted is raised when a thought and its subtree are removed
type ThoughtDeleted struct {
	BaseEvent
	ThoughtID   valueobjects.ThoughtID `json:"thought_id"`
	ParentID    valueobjects.ThoughtID `json:"parent_id"`
	Descendants int                    `json:"descendants"`
}

// NewThoughtDeleted creates a ThoughtDeleted event
func NewThoughtDeleted(id, parentID valueobjects.ThoughtID, descendants int, timestamp time.Time) ThoughtDeleted {
	return ThoughtDeleted{
		BaseEvent:   newBase(id, TypeThoughtDeleted, timestamp),
		ThoughtID:   id,
		ParentID:    parentID,
		Descendants: descendants,
	}
}

// ThoughtArchived is raised when a thought is archived
type ThoughtArchived struct {
	BaseEvent
	ThoughtID valueobjects.ThoughtID `json:"thought_id"`
}

// NewThoughtArchived creates a ThoughtArchived event
func NewThoughtArchived(id valueobjects.ThoughtID, timestamp time.Time) ThoughtArchived {
	return ThoughtArchived{
		BaseEvent: newBase(id, TypeThoughtArchived, timestamp),
		ThoughtID: id,
	}
}

// ThoughtUnarchived is raised when an archived thought is restored
type ThoughtUnarchived struct {
	BaseEvent
	ThoughtID valueobjects.ThoughtID `json:"thought_id"`
}

// NewThoughtUnarchived creates a ThoughtUnarchived event
func NewThoughtUnarchived(id valueobjects.ThoughtID, timestamp time.Time) ThoughtUnarchived {
	return ThoughtUnarchived{
		BaseEvent: newBase(id, TypeThoughtUnarchived, timestamp),
		ThoughtID: id,
	}
}
