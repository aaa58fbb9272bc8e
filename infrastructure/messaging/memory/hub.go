// Package memory connects peers inside one process. It stands in for the
// pub/sub transport in tests and single-node deployments.
package memory

import (
	"context"
	"sync"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/documents"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

// Hub fans batches out to every connected client
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan *documents.Batch
	nextID      int
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int]chan *documents.Batch)}
}

// Client is one peer's view of the hub
type Client struct {
	hub *Hub

	mu      sync.RWMutex
	offline bool
}

var _ ports.Broadcaster = (*Client)(nil)

// Connect returns a new client of the hub
func (h *Hub) Connect() *Client {
	return &Client{hub: h}
}

// SetOffline makes Broadcast fail with a retryable network error
func (c *Client) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = offline
}

// Broadcast delivers a copy of batch to every subscriber, the sender included
func (c *Client) Broadcast(ctx context.Context, batch *documents.Batch) error {
	c.mu.RLock()
	offline := c.offline
	c.mu.RUnlock()
	if offline {
		return pkgerrors.NewNetworkUnavailableError(nil)
	}

	c.hub.mu.RLock()
	targets := make([]chan *documents.Batch, 0, len(c.hub.subscribers))
	for _, ch := range c.hub.subscribers {
		targets = append(targets, ch)
	}
	c.hub.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- batch.Clone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// OnRemoteUpdate calls fn for each delivered batch until ctx is done
func (c *Client) OnRemoteUpdate(ctx context.Context, fn func(*documents.Batch)) error {
	ch := make(chan *documents.Batch, 64)

	c.hub.mu.Lock()
	id := c.hub.nextID
	c.hub.nextID++
	c.hub.subscribers[id] = ch
	c.hub.mu.Unlock()

	defer func() {
		c.hub.mu.Lock()
		delete(c.hub.subscribers, id)
		c.hub.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-ch:
			fn(b)
		}
	}
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
