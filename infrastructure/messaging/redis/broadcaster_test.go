package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/domain/documents"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

func setupBroadcaster(t *testing.T) (*Broadcaster, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), Config{Addr: s.Addr()})
	require.NoError(t, err)
	b := NewBroadcaster(rdb, "outline-test", zap.NewNop())
	t.Cleanup(func() { b.Close() })
	return b, s
}

func subscribe(t *testing.T, b *Broadcaster, s *miniredis.Miniredis) <-chan *documents.Batch {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan *documents.Batch, 8)
	go func() {
		_ = b.OnRemoteUpdate(ctx, func(batch *documents.Batch) { got <- batch })
	}()
	require.Eventually(t, func() bool {
		return s.PubSubNumSub(b.channel)[b.channel] == 1
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestBroadcastRoundTrip(t *testing.T) {
	b, s := setupBroadcaster(t)
	got := subscribe(t, b, s)

	batch := documents.NewBatch("peer-a", time.Now().UTC())
	batch.Thoughts["t1"] = json.RawMessage(`{"id":"t1","value":"a"}`)
	batch.Lexemes["k1"] = json.RawMessage(`null`)
	require.NoError(t, b.Broadcast(context.Background(), batch))

	select {
	case received := <-got:
		assert.Equal(t, batch.ID, received.ID)
		assert.Equal(t, "peer-a", received.Origin)
		assert.Equal(t, documents.CurrentSchemaVersion, received.SchemaVersion)
		assert.JSONEq(t, `{"id":"t1","value":"a"}`, string(received.Thoughts["t1"]))
		assert.True(t, documents.IsDeletion(received.Lexemes["k1"]))
	case <-time.After(2 * time.Second):
		t.Fatal("batch not delivered")
	}
}

func TestBadPayloadIsSkipped(t *testing.T) {
	b, s := setupBroadcaster(t)
	got := subscribe(t, b, s)

	s.Publish(b.channel, "not json")
	batch := documents.NewBatch("peer-a", time.Now().UTC())
	require.NoError(t, b.Broadcast(context.Background(), batch))

	select {
	case received := <-got:
		assert.Equal(t, batch.ID, received.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("batch not delivered")
	}
}

func TestBroadcastWithoutServerIsRetryable(t *testing.T) {
	b, s := setupBroadcaster(t)
	s.Close()

	err := b.Broadcast(context.Background(), documents.NewBatch("peer-a", time.Now()))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNetworkUnavailable))
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)
}
