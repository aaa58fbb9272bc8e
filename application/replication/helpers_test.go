package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/commands"
	"github.com/cybersemics/em-sub013/application/services"
	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/documents"
	"github.com/cybersemics/em-sub013/domain/services/merge"
	"github.com/cybersemics/em-sub013/domain/services/repair"
	hub "github.com/cybersemics/em-sub013/infrastructure/messaging/memory"
	memstore "github.com/cybersemics/em-sub013/infrastructure/persistence/memory"
	"github.com/cybersemics/em-sub013/infrastructure/persistence/schema"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type peer struct {
	name      string
	clock     *fakeClock
	store     *services.OutlineStore
	db        *memstore.InMemoryStore
	client    *hub.Client
	gateway   *Gateway
	service   *services.OutlineService
	processor *OutboxProcessor
}

func newPeer(t *testing.T, h *hub.Hub, name string, clock *fakeClock) *peer {
	t.Helper()

	cfg := config.DefaultDomainConfig()
	logger := zap.NewNop()
	outline := aggregates.NewOutline(cfg, aggregates.WithClock(clock.Now))
	store := services.NewOutlineStore(outline)
	db := memstore.NewInMemoryStore()
	client := h.Connect()
	evolution := schema.NewDefaultEvolution()

	gw := NewGateway(PeerID(name), store, db, db, db, client, evolution, merge.NewLWWResolver(), cfg, nil, logger,
		WithClock(clock.Now),
		WithRetry(RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxTries: 3}),
	)
	svc := services.NewOutlineService(store, gw, db, evolution,
		repair.NewEngine(cfg, logger, repair.WithClock(clock.Now)), nil, logger)
	proc := NewOutboxProcessor(db, client, gw, ProcessorConfig{
		BatchSize:        10,
		Interval:         time.Hour,
		RetryBase:        time.Second,
		RetryMax:         time.Minute,
		BreakerTimeout:   time.Minute,
		FailureThreshold: 100,
	}, nil, logger)
	proc.now = clock.Now

	return &peer{
		name:      name,
		clock:     clock,
		store:     store,
		db:        db,
		client:    client,
		gateway:   gw,
		service:   svc,
		processor: proc,
	}
}

func (p *peer) edit(t *testing.T, cmd commands.EditCommand) *services.EditResult {
	t.Helper()
	res, err := p.service.ApplyEdit(context.Background(), cmd)
	require.NoError(t, err)
	p.flush(t)
	return res
}

func (p *peer) create(t *testing.T, parent valueobjects.ThoughtID, value string, rank *float64) valueobjects.ThoughtID {
	t.Helper()
	res := p.edit(t, commands.EditCommand{Op: commands.OpCreate, ParentID: parent.String(), Value: value, Rank: rank})
	return res.ThoughtID
}

func (p *peer) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.gateway.Flush(ctx))
}

// outgoing drains the outbox without broadcasting
func (p *peer) outgoing(t *testing.T) []*documents.Batch {
	t.Helper()
	ctx := context.Background()
	entries, err := p.db.Pending(ctx, time.Now().Add(24*time.Hour*365*10), 0)
	require.NoError(t, err)
	batches := make([]*documents.Batch, 0, len(entries))
	for _, e := range entries {
		batches = append(batches, e.Batch)
		require.NoError(t, p.db.MarkSent(ctx, e.ID))
	}
	return batches
}

// deliver hands every queued batch of from to to and returns the outcomes
func deliver(t *testing.T, from, to *peer) []AppliedBatch {
	t.Helper()
	var out []AppliedBatch
	for _, b := range from.outgoing(t) {
		res := to.gateway.Receive(context.Background(), b)
		require.NoError(t, res.Err)
		out = append(out, res)
	}
	to.flush(t)
	return out
}

// exchange delivers in both directions until neither side has anything to send
func exchange(t *testing.T, a, b *peer) {
	t.Helper()
	for round := 0; round < 10; round++ {
		sent := len(deliver(t, a, b)) + len(deliver(t, b, a))
		if sent == 0 {
			return
		}
	}
	t.Fatal("peers did not quiesce")
}

func (p *peer) thought(t *testing.T, id valueobjects.ThoughtID) (*entities.Thought, bool) {
	var (
		th *entities.Thought
		ok bool
	)
	p.store.View(func(o *aggregates.Outline) { th, ok = o.Thought(id) })
	return th, ok
}

func (p *peer) violations() []repair.Violation {
	var v []repair.Violation
	p.store.View(func(o *aggregates.Outline) { v = repair.Check(o) })
	return v
}

func requireConverged(t *testing.T, a, b *peer) {
	t.Helper()

	var aIDs, bIDs []valueobjects.ThoughtID
	a.store.View(func(o *aggregates.Outline) { aIDs = o.ThoughtIDs() })
	b.store.View(func(o *aggregates.Outline) { bIDs = o.ThoughtIDs() })
	require.ElementsMatch(t, aIDs, bIDs)

	for _, id := range aIDs {
		at, _ := a.thought(t, id)
		bt, _ := b.thought(t, id)
		require.True(t, at.Equal(bt), "thought %s differs: %+v vs %+v", id, at, bt)
	}

	var aKeys, bKeys []valueobjects.LexemeKey
	a.store.View(func(o *aggregates.Outline) { aKeys = o.LexemeKeys() })
	b.store.View(func(o *aggregates.Outline) { bKeys = o.LexemeKeys() })
	require.ElementsMatch(t, aKeys, bKeys)

	require.Empty(t, a.violations())
	require.Empty(t, b.violations())
}

func rank(f float64) *float64 {
	return &f
}
