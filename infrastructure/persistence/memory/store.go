package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/documents"
)

// InMemoryStore provides an in-memory implementation of Persister and Outbox
type InMemoryStore struct {
	mu            sync.RWMutex
	thoughts      map[string]json.RawMessage
	lexemes       map[string]json.RawMessage
	schemaVersion int
	outbox        []*ports.OutboxEntry
	persistErrs   []error
	enqueueErrs   []error
	parked        []*documents.Batch
	parkErrs      []error
}

var (
	_ ports.Persister = (*InMemoryStore)(nil)
	_ ports.Outbox    = (*InMemoryStore)(nil)
	_ ports.Inbox     = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty store at the current schema version
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		thoughts:      make(map[string]json.RawMessage),
		lexemes:       make(map[string]json.RawMessage),
		schemaVersion: documents.CurrentSchemaVersion,
	}
}

// FailPersist makes the next len(errs) Persist calls return the given errors
func (s *InMemoryStore) FailPersist(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistErrs = append(s.persistErrs, errs...)
}

// FailEnqueue makes the next len(errs) Enqueue calls return the given errors
func (s *InMemoryStore) FailEnqueue(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueErrs = append(s.enqueueErrs, errs...)
}

// Persist saves every document of the batch
func (s *InMemoryStore) Persist(ctx context.Context, batch *documents.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.persistErrs) > 0 {
		err := s.persistErrs[0]
		s.persistErrs = s.persistErrs[1:]
		return err
	}

	apply(s.thoughts, batch.Thoughts)
	apply(s.lexemes, batch.Lexemes)
	return nil
}

func apply(dst, src map[string]json.RawMessage) {
	for key, raw := range src {
		if documents.IsDeletion(raw) {
			delete(dst, key)
			continue
		}
		dst[key] = append(json.RawMessage(nil), raw...)
	}
}

// Load returns every stored document
func (s *InMemoryStore) Load(ctx context.Context) (*documents.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := documents.NewBatch("", time.Now().UTC())
	b.SchemaVersion = s.schemaVersion
	for key, raw := range s.thoughts {
		b.Thoughts[key] = append(json.RawMessage(nil), raw...)
	}
	for key, raw := range s.lexemes {
		b.Lexemes[key] = append(json.RawMessage(nil), raw...)
	}
	return b, nil
}

// SchemaVersion returns the stored layout version
func (s *InMemoryStore) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion, nil
}

// SetSchemaVersion records the layout version
func (s *InMemoryStore) SetSchemaVersion(ctx context.Context, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaVersion = version
	return nil
}

// Seed writes raw documents at the given version, replacing the store
func (s *InMemoryStore) Seed(batch *documents.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thoughts = make(map[string]json.RawMessage)
	s.lexemes = make(map[string]json.RawMessage)
	apply(s.thoughts, batch.Thoughts)
	apply(s.lexemes, batch.Lexemes)
	s.schemaVersion = batch.SchemaVersion
}

// Enqueue appends a batch to the outbox
func (s *InMemoryStore) Enqueue(ctx context.Context, batch *documents.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.enqueueErrs) > 0 {
		err := s.enqueueErrs[0]
		s.enqueueErrs = s.enqueueErrs[1:]
		return err
	}

	now := time.Now().UTC()
	s.outbox = append(s.outbox, &ports.OutboxEntry{
		ID:          uuid.New().String(),
		Batch:       batch.Clone(),
		CreatedAt:   now,
		NextAttempt: now,
	})
	return nil
}

// Pending returns entries due at now in enqueue order, stopping at the first
// entry still waiting for its retry
func (s *InMemoryStore) Pending(ctx context.Context, now time.Time, limit int) ([]*ports.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ports.OutboxEntry
	for _, e := range s.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.NextAttempt.After(now) {
			break
		}
		c := *e
		c.Batch = e.Batch.Clone()
		out = append(out, &c)
	}
	return out, nil
}

// MarkSent removes an entry
func (s *InMemoryStore) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.outbox {
		if e.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("outbox entry not found: %s", id)
}

// MarkFailed records a failed attempt
func (s *InMemoryStore) MarkFailed(ctx context.Context, id string, cause error, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.outbox {
		if e.ID == id {
			e.Attempts++
			e.NextAttempt = next
			if cause != nil {
				e.LastError = cause.Error()
			}
			return nil
		}
	}
	return fmt.Errorf("outbox entry not found: %s", id)
}

// Stats returns the outbox size and the highest attempt count
func (s *InMemoryStore) Stats(ctx context.Context) (ports.OutboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ports.OutboxStats{Pending: len(s.outbox)}
	for _, e := range s.outbox {
		if e.Attempts > stats.MaxAttempts {
			stats.MaxAttempts = e.Attempts
		}
	}
	return stats, nil
}

// FailPark makes the next len(errs) Park calls return the given errors
func (s *InMemoryStore) FailPark(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parkErrs = append(s.parkErrs, errs...)
}

// Park keeps an inbound batch for a later retry
func (s *InMemoryStore) Park(ctx context.Context, batch *documents.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.parkErrs) > 0 {
		err := s.parkErrs[0]
		s.parkErrs = s.parkErrs[1:]
		return err
	}
	for _, b := range s.parked {
		if b.ID == batch.ID {
			return nil
		}
	}
	s.parked = append(s.parked, batch.Clone())
	return nil
}

// Parked returns parked batches in parking order
func (s *InMemoryStore) Parked(ctx context.Context, limit int) ([]*documents.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*documents.Batch
	for _, b := range s.parked {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, b.Clone())
	}
	return out, nil
}

// Release drops a parked batch
func (s *InMemoryStore) Release(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range s.parked {
		if b.ID == batchID {
			s.parked = append(s.parked[:i], s.parked[i+1:]...)
			return nil
		}
	}
	return nil
}

// ParkedCount returns the number of parked batches
func (s *InMemoryStore) ParkedCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parked), nil
}

// ThoughtKeys returns the stored thought ids, sorted
func (s *InMemoryStore) ThoughtKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.thoughts))
	for k := range s.thoughts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
