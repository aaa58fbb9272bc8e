// Package redis broadcasts outline batches to peers over Redis pub/sub
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/documents"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

// Config locates the Redis server and channel
type Config struct {
	Addr        string
	Password    string
	DB          int
	Channel     string
	DialTimeout time.Duration
}

// Broadcaster implements ports.Broadcaster with one pub/sub channel shared by
// every peer of an outline
type Broadcaster struct {
	rdb     *goredis.Client
	channel string
	logger  *zap.Logger
}

var _ ports.Broadcaster = (*Broadcaster)(nil)

// NewClient connects to Redis and checks the connection
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("missing redis address")
	}
	dial := cfg.DialTimeout
	if dial == 0 {
		dial = 5 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})

	ctx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewBroadcaster creates a broadcaster on channel
func NewBroadcaster(rdb *goredis.Client, channel string, logger *zap.Logger) *Broadcaster {
	if channel == "" {
		channel = "outline"
	}
	return &Broadcaster{rdb: rdb, channel: channel, logger: logger}
}

// Broadcast publishes batch. Failures are NetworkUnavailable so the outbox
// keeps the batch for a later attempt.
func (b *Broadcaster) Broadcast(ctx context.Context, batch *documents.Batch) error {
	raw, err := batch.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal batch %s: %w", batch.ID, err)
	}
	receivers, err := b.rdb.Publish(ctx, b.channel, raw).Result()
	if err != nil {
		return pkgerrors.NewNetworkUnavailableError(err)
	}
	b.logger.Debug("Batch published",
		zap.String("batchID", batch.ID),
		zap.String("channel", b.channel),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// OnRemoteUpdate calls fn for each batch published on the channel until ctx
// is done. Undecodable payloads are logged and skipped.
func (b *Broadcaster) OnRemoteUpdate(ctx context.Context, fn func(*documents.Batch)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return pkgerrors.NewNetworkUnavailableError(fmt.Errorf("redis subscribe: %w", err))
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return pkgerrors.NewNetworkUnavailableError(errors.New("redis subscription closed"))
			}
			batch, err := documents.Unmarshal([]byte(m.Payload))
			if err != nil {
				b.logger.Warn("Bad batch payload", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			fn(batch)
		}
	}
}

// Close closes the Redis client
func (b *Broadcaster) Close() error {
	return b.rdb.Close()
}
