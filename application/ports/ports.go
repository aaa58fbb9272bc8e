package ports

import (
	"context"
	"time"

	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/documents"
)

// Persister stores document batches locally.
// This is a port in hexagonal architecture - the engine doesn't know about the implementation
type Persister interface {
	// Persist writes every document of the batch atomically. Null documents delete.
	Persist(ctx context.Context, batch *documents.Batch) error

	// Load returns the whole store as one batch at the stored schema version
	Load(ctx context.Context) (*documents.Batch, error)

	// SchemaVersion returns the layout the stored documents use
	SchemaVersion(ctx context.Context) (int, error)

	// SetSchemaVersion records the layout after an upgrade
	SetSchemaVersion(ctx context.Context, version int) error
}

// OutboxEntry is one batch waiting to be broadcast
type OutboxEntry struct {
	ID          string           `json:"id"`
	Batch       *documents.Batch `json:"batch"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"lastError,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	NextAttempt time.Time        `json:"nextAttempt"`
}

// OutboxStats summarizes the outbox
type OutboxStats struct {
	Pending     int `json:"pending"`
	MaxAttempts int `json:"maxAttempts"`
}

// Outbox holds batches until a broadcast succeeds. Entries are never dropped.
type Outbox interface {
	// Enqueue appends a batch in order
	Enqueue(ctx context.Context, batch *documents.Batch) error

	// Pending returns up to limit entries due at now, oldest first. It stops at
	// the first entry that is not due so later batches never overtake it.
	Pending(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)

	// MarkSent removes an entry
	MarkSent(ctx context.Context, id string) error

	// MarkFailed records a failed attempt and the earliest next attempt
	MarkFailed(ctx context.Context, id string, cause error, next time.Time) error

	// Stats returns the outbox size
	Stats(ctx context.Context) (OutboxStats, error)
}

// Inbox parks inbound batches that cannot be applied yet. Entries leave
// only through Release.
type Inbox interface {
	// Park stores batch. Parking a batch id that is already parked is a no-op.
	Park(ctx context.Context, batch *documents.Batch) error

	// Parked returns up to limit parked batches, oldest first. A limit of
	// zero returns all of them.
	Parked(ctx context.Context, limit int) ([]*documents.Batch, error)

	// Release removes a parked batch. Releasing an unknown id is a no-op.
	Release(ctx context.Context, batchID string) error

	// ParkedCount returns the number of parked batches
	ParkedCount(ctx context.Context) (int, error)
}

// Broadcaster exchanges batches with remote peers
type Broadcaster interface {
	// Broadcast publishes a batch to every peer
	Broadcast(ctx context.Context, batch *documents.Batch) error

	// OnRemoteUpdate calls fn for each inbound batch until ctx is done
	OnRemoteUpdate(ctx context.Context, fn func(*documents.Batch)) error
}

// Migrator upgrades batches between schema versions
type Migrator interface {
	Migrate(ctx context.Context, batch *documents.Batch, targetVersion int) error
	CanMigrate(from, to int) bool

	// UpgradeStore rewrites the persisted documents at targetVersion and
	// returns the migrated snapshot
	UpgradeStore(ctx context.Context, p Persister, targetVersion int) (*documents.Batch, error)
}

// OutlineWriter serializes every mutation of the in-memory outline
type OutlineWriter interface {
	// Do runs fn while holding the writer lock
	Do(ctx context.Context, fn func(o *aggregates.Outline) error) error

	// View runs fn under the read lock
	View(fn func(o *aggregates.Outline))
}

// Publisher persists and replicates committed updates in the background
type Publisher interface {
	// PushAsync schedules updates for persistence and broadcast. Calls made
	// under the writer lock are processed in call order; done, if set, runs
	// once the batch is persisted and queued.
	PushAsync(ctx context.Context, updates *aggregates.Updates, done func(error))
}
