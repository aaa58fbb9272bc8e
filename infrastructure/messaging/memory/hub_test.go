package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/em-sub013/domain/documents"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

func TestHubDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	a, b := hub.Connect(), hub.Connect()

	received := make(chan *documents.Batch, 1)
	go func() {
		_ = b.OnRemoteUpdate(ctx, func(batch *documents.Batch) { received <- batch })
	}()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	sent := documents.NewBatch("a", time.Now())
	require.NoError(t, a.Broadcast(ctx, sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("batch not delivered")
	}
}

func TestHubOffline(t *testing.T) {
	hub := NewHub()
	a := hub.Connect()
	a.SetOffline(true)

	err := a.Broadcast(context.Background(), documents.NewBatch("a", time.Now()))
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNetworkUnavailable))
}
