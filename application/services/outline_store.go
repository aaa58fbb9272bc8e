package services

import (
	"context"
	"sync"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
)

// OutlineStore is the single writer of the in-memory outline. Local edits,
// inbound replication and repair all mutate it through Do.
type OutlineStore struct {
	mu      sync.RWMutex
	outline *aggregates.Outline
}

var _ ports.OutlineWriter = (*OutlineStore)(nil)

// NewOutlineStore wraps an outline
func NewOutlineStore(outline *aggregates.Outline) *OutlineStore {
	return &OutlineStore{outline: outline}
}

// Do runs fn with exclusive access. It does not start fn once ctx is done.
func (s *OutlineStore) Do(ctx context.Context, fn func(o *aggregates.Outline) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.outline)
}

// View runs fn under the read lock. fn must only call read methods.
func (s *OutlineStore) View(fn func(o *aggregates.Outline)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.outline)
}
