package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/config"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
	"github.com/cybersemics/em-sub013/pkg/observability"
)

// DeferredRetrier re-processes inbound batches that could not be applied yet
type DeferredRetrier interface {
	RetryDeferred(ctx context.Context) int
}

// ProcessorConfig tunes the outbox processor
type ProcessorConfig struct {
	BatchSize        int
	Interval         time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	BreakerTimeout   time.Duration
	FailureThreshold uint32
}

// ProcessorConfigFrom derives the processor settings from the domain config
func ProcessorConfigFrom(cfg *config.DomainConfig) ProcessorConfig {
	return ProcessorConfig{
		BatchSize:        cfg.ReplicationBatchSize,
		Interval:         cfg.OutboxInterval,
		RetryBase:        cfg.OutboxInterval,
		RetryMax:         5 * time.Minute,
		BreakerTimeout:   30 * time.Second,
		FailureThreshold: 5,
	}
}

// OutboxProcessor broadcasts queued batches in order. A failed broadcast
// reschedules the entry with exponential backoff and stops the round, so a
// later batch never overtakes an earlier one. Entries are never dropped.
type OutboxProcessor struct {
	outbox      ports.Outbox
	broadcaster ports.Broadcaster
	deferred    DeferredRetrier
	breaker     *gobreaker.CircuitBreaker
	metrics     *observability.Collector
	logger      *zap.Logger
	config      ProcessorConfig
	now         func() time.Time

	// Control channels
	startOnce   sync.Once
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewOutboxProcessor creates a new outbox processor. deferred may be nil.
func NewOutboxProcessor(
	outbox ports.Outbox,
	broadcaster ports.Broadcaster,
	deferred DeferredRetrier,
	cfg ProcessorConfig,
	metrics *observability.Collector,
	logger *zap.Logger,
) *OutboxProcessor {
	op := &OutboxProcessor{
		outbox:      outbox,
		broadcaster: broadcaster,
		deferred:    deferred,
		metrics:     metrics,
		logger:      logger,
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	op.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broadcast",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(int(to))
		},
	})
	return op
}

// Start begins the background processing of the outbox
func (op *OutboxProcessor) Start(ctx context.Context) {
	op.startOnce.Do(func() {
		op.logger.Info("Starting outbox processor",
			zap.Int("batchSize", op.config.BatchSize),
			zap.Duration("interval", op.config.Interval),
		)
		go op.processLoop(ctx)
	})
}

// Stop gracefully stops the outbox processor. Later calls are no-ops.
func (op *OutboxProcessor) Stop() {
	op.stopOnce.Do(func() {
		started := true
		op.startOnce.Do(func() { started = false })
		close(op.stopChan)
		if started {
			<-op.stoppedChan
		}
		op.logger.Info("Outbox processor stopped")
	})
}

// processLoop is the main processing loop
func (op *OutboxProcessor) processLoop(ctx context.Context) {
	defer close(op.stoppedChan)

	ticker := time.NewTicker(op.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-op.stopChan:
			return
		case <-ticker.C:
			if _, err := op.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				op.logger.Warn("Outbox round stopped early", zap.Error(err))
			}
			if op.deferred != nil {
				if n := op.deferred.RetryDeferred(ctx); n > 0 {
					op.logger.Info("Applied deferred batches", zap.Int("count", n))
				}
			}
		}
	}
}

// ProcessBatch broadcasts due entries in order and returns how many were sent.
// It stops at the first failure.
func (op *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	defer op.publishStats(ctx)

	entries, err := op.outbox.Pending(ctx, op.now(), op.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending batches: %w", err)
	}

	sent := 0
	for _, entry := range entries {
		_, err := op.breaker.Execute(func() (interface{}, error) {
			return nil, op.broadcaster.Broadcast(ctx, entry.Batch)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return sent, pkgerrors.NewNetworkUnavailableError(err)
		}
		if err != nil {
			return sent, op.markFailed(ctx, entry, err)
		}
		if err := op.outbox.MarkSent(ctx, entry.ID); err != nil {
			return sent, fmt.Errorf("failed to mark batch %s sent: %w", entry.Batch.ID, err)
		}
		sent++
		op.logger.Debug("Batch broadcast",
			zap.String("batchID", entry.Batch.ID),
			zap.Int("attempts", entry.Attempts+1),
		)
	}
	return sent, nil
}

// markFailed reschedules an entry after a failed broadcast
func (op *OutboxProcessor) markFailed(ctx context.Context, entry *ports.OutboxEntry, cause error) error {
	delay := op.nextDelay(entry.Attempts)
	if err := op.outbox.MarkFailed(ctx, entry.ID, cause, op.now().Add(delay)); err != nil {
		op.logger.Error("Failed to mark batch as failed",
			zap.String("batchID", entry.Batch.ID),
			zap.Error(err),
		)
		return err
	}
	op.logger.Warn("Broadcast failed, batch rescheduled",
		zap.String("batchID", entry.Batch.ID),
		zap.Int("attempts", entry.Attempts+1),
		zap.Duration("retryIn", delay),
		zap.Error(cause),
	)
	return cause
}

// nextDelay returns the wait before attempt number attempts+1
func (op *OutboxProcessor) nextDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = op.config.RetryBase
	b.MaxInterval = op.config.RetryMax
	b.Multiplier = 2

	var d time.Duration
	for i := 0; i <= attempts && i < 64; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (op *OutboxProcessor) publishStats(ctx context.Context) {
	stats, err := op.outbox.Stats(ctx)
	if err != nil {
		return
	}
	op.metrics.SetOutbox(stats.Pending, stats.MaxAttempts)
}

// GetStats returns processing statistics
func (op *OutboxProcessor) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats, err := op.outbox.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"pending":      stats.Pending,
		"maxAttempts":  stats.MaxAttempts,
		"batchSize":    op.config.BatchSize,
		"interval":     op.config.Interval.String(),
		"breakerState": op.breaker.State().String(),
	}, nil
}
