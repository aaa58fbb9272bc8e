// Package replication moves outline batches between the local store, the
// outbox and remote peers.
package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/documents"
	"github.com/cybersemics/em-sub013/domain/services/merge"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
	"github.com/cybersemics/em-sub013/pkg/observability"
)

// PeerID identifies this replica in batch origins
type PeerID string

// Result is the outcome of one inbound batch
type Result string

const (
	ResultApplied  Result = "applied"
	ResultEqual    Result = "equal"
	ResultIgnored  Result = "ignored"
	ResultDeferred Result = "deferred"
	ResultRejected Result = "rejected"
)

// AppliedBatch reports what happened to one inbound batch
type AppliedBatch struct {
	BatchID       string
	Origin        string
	SchemaVersion int
	Result        Result
	Updates       *aggregates.Updates
	Rebroadcast   bool
	Err           error
}

// RetryConfig shapes the local persist retry. MaxTries bounds one round of
// attempts; a batch that is still failing with a retryable error waits
// MaxInterval and starts another round.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

// DefaultRetryConfig returns the persist retry used in production
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxTries:        6,
	}
}

// Option configures a Gateway
type Option func(*Gateway)

// WithClock replaces the clock used to stamp batches
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithRetry replaces the persist retry policy
func WithRetry(rc RetryConfig) Option {
	return func(g *Gateway) {
		g.retry = rc
	}
}

// job is one batch waiting to be written locally
type job struct {
	ctx       context.Context
	batch     *documents.Batch
	broadcast bool
	persisted bool
	err       error
	done      func(error)
	flushed   chan struct{}
}

func (j *job) batchID() string {
	if j.batch == nil {
		return ""
	}
	return j.batch.ID
}

// Gateway is the replication boundary. Outbound, it persists committed batches
// and queues them for broadcast. Inbound, it migrates, merges and applies
// remote batches through the outline writer.
type Gateway struct {
	peerID      PeerID
	writer      ports.OutlineWriter
	persister   ports.Persister
	outbox      ports.Outbox
	inbox       ports.Inbox
	broadcaster ports.Broadcaster
	migrator    ports.Migrator
	resolver    merge.Resolver
	config      *config.DomainConfig
	metrics     *observability.Collector
	logger      *zap.Logger
	now         func() time.Time
	retry       RetryConfig

	mu       sync.Mutex
	jobs     []job
	draining bool

	// unparked holds deferred batches the inbox could not take yet
	unparkedMu sync.Mutex
	unparked   []*documents.Batch
}

var _ ports.Publisher = (*Gateway)(nil)

// NewGateway creates a replication gateway
func NewGateway(
	peerID PeerID,
	writer ports.OutlineWriter,
	persister ports.Persister,
	outbox ports.Outbox,
	inbox ports.Inbox,
	broadcaster ports.Broadcaster,
	migrator ports.Migrator,
	resolver merge.Resolver,
	cfg *config.DomainConfig,
	metrics *observability.Collector,
	logger *zap.Logger,
	opts ...Option,
) *Gateway {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	g := &Gateway{
		peerID:      peerID,
		writer:      writer,
		persister:   persister,
		outbox:      outbox,
		inbox:       inbox,
		broadcaster: broadcaster,
		migrator:    migrator,
		resolver:    resolver,
		config:      cfg,
		metrics:     metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		retry:       DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PeerID returns the origin stamped on local batches
func (g *Gateway) PeerID() PeerID {
	return g.peerID
}

// Push encodes updates, persists them and queues them for broadcast. The
// batch goes through the same queue as PushAsync and Push returns once it is
// stored, or with an error when ctx ends first or the store rejects it.
func (g *Gateway) Push(ctx context.Context, updates *aggregates.Updates) (*documents.Batch, error) {
	batch, err := documents.Encode(updates, string(g.peerID), g.now())
	if err != nil {
		return nil, err
	}
	result := make(chan error, 1)
	g.enqueue(job{
		ctx:       ctx,
		batch:     batch,
		broadcast: true,
		done:      func(err error) { result <- err },
	})
	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PushAsync schedules updates for persistence and broadcast. The batch is
// encoded immediately; the writes happen on the gateway's queue in call order.
func (g *Gateway) PushAsync(ctx context.Context, updates *aggregates.Updates, done func(error)) {
	batch, err := documents.Encode(updates, string(g.peerID), g.now())
	g.enqueue(job{
		ctx:       context.WithoutCancel(ctx),
		batch:     batch,
		broadcast: true,
		err:       err,
		done:      done,
	})
}

// Flush waits until every job queued before the call has been processed
func (g *Gateway) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	g.enqueue(job{flushed: flushed})
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of batches waiting to be stored
func (g *Gateway) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, j := range g.jobs {
		if j.flushed == nil {
			n++
		}
	}
	return n
}

func (g *Gateway) enqueue(j job) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.jobs = append(g.jobs, j)
	if !g.draining {
		g.draining = true
		go g.drain()
	}
}

// drain processes queued jobs one at a time and exits when the queue is
// empty. A job stays at the head of the queue until it is stored or fails
// permanently, so later batches never reach storage ahead of it.
func (g *Gateway) drain() {
	for {
		g.mu.Lock()
		if len(g.jobs) == 0 {
			g.draining = false
			g.mu.Unlock()
			return
		}
		j := g.jobs[0]
		g.mu.Unlock()

		if j.flushed != nil {
			close(j.flushed)
		} else {
			err := j.err
			if err == nil {
				err = g.storeUntilDone(&j)
			}
			if err != nil {
				g.logger.Error("Failed to store batch",
					zap.String("batchID", j.batchID()),
					zap.Error(err),
				)
			}
			if j.done != nil {
				j.done(err)
			}
		}

		g.mu.Lock()
		g.jobs = g.jobs[1:]
		g.mu.Unlock()
	}
}

// storeUntilDone retries j while storage reports a retryable error. Each
// round runs the bounded persist retry, then waits MaxInterval. It gives up
// only when the store rejects the batch or the job's context ends.
func (g *Gateway) storeUntilDone(j *job) error {
	for round := 1; ; round++ {
		err := g.store(j)
		if err == nil || !pkgerrors.IsRetryable(err) {
			return err
		}
		g.logger.Warn("Storage unavailable, keeping batch queued",
			zap.String("batchID", j.batchID()),
			zap.Int("round", round),
			zap.Bool("persisted", j.persisted),
			zap.Error(err),
		)

		timer := time.NewTimer(g.retry.MaxInterval)
		select {
		case <-j.ctx.Done():
			timer.Stop()
			return j.ctx.Err()
		case <-timer.C:
		}
	}
}

// store persists the job's batch locally and, when broadcast is set, queues
// it in the outbox. Completed steps are recorded on j so a retry resumes
// where the last attempt stopped.
func (g *Gateway) store(j *job) error {
	ctx, span := observability.StartSpan(j.ctx, "Gateway.store",
		attribute.String("batchID", j.batch.ID),
		attribute.Int("documents", j.batch.Len()),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if !j.persisted {
		if err = g.persist(ctx, j.batch); err != nil {
			return err
		}
		j.persisted = true
	}
	if !j.broadcast {
		return nil
	}
	if err = g.outbox.Enqueue(ctx, j.batch); err != nil {
		err = pkgerrors.NewStorageUnavailableError("outbox enqueue", err)
		return err
	}
	g.metrics.RecordPush()
	return nil
}

// persist writes batch with exponential backoff. Only retryable errors are retried.
func (g *Gateway) persist(ctx context.Context, batch *documents.Batch) error {
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialInterval
	b.MaxInterval = g.retry.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := g.persister.Persist(ctx, batch)
		if err != nil && !pkgerrors.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(g.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("Persist failed, retrying",
				zap.String("batchID", batch.ID),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	g.metrics.RecordStorage("persist", err, time.Since(start))
	return err
}

// Pull subscribes to remote peers and streams the outcome of every inbound
// batch. The channel closes when ctx is done; callers must keep draining it.
func (g *Gateway) Pull(ctx context.Context) <-chan AppliedBatch {
	out := make(chan AppliedBatch, 16)
	go func() {
		defer close(out)
		err := g.broadcaster.OnRemoteUpdate(ctx, func(batch *documents.Batch) {
			res := g.Receive(ctx, batch)
			select {
			case out <- res:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			g.logger.Error("Remote subscription ended", zap.Error(err))
		}
	}()
	return out
}

// Receive migrates, merges and applies one inbound batch. A batch that
// cannot be applied yet is parked in the inbox for RetryDeferred.
func (g *Gateway) Receive(ctx context.Context, batch *documents.Batch) AppliedBatch {
	res := g.receive(ctx, batch)
	if res.Result == ResultDeferred {
		g.park(ctx, batch)
	}
	return res
}

func (g *Gateway) receive(ctx context.Context, batch *documents.Batch) (res AppliedBatch) {
	res = AppliedBatch{
		BatchID:       batch.ID,
		Origin:        batch.Origin,
		SchemaVersion: batch.SchemaVersion,
	}

	ctx, span := observability.StartSpan(ctx, "Gateway.Receive",
		attribute.String("batchID", batch.ID),
		attribute.String("origin", batch.Origin),
		attribute.Int("schemaVersion", batch.SchemaVersion),
	)
	defer func() {
		span.SetAttributes(attribute.String("result", string(res.Result)))
		observability.EndSpan(span, res.Err)
		g.metrics.RecordInbound(string(res.Result))
	}()

	if batch.Origin == string(g.peerID) {
		res.Result = ResultIgnored
		return res
	}

	prepared, err := g.prepare(ctx, batch)
	if err != nil {
		res.Err = err
		if pkgerrors.IsRetryable(err) {
			res.Result = ResultDeferred
			g.logger.Warn("Deferred inbound batch",
				zap.String("batchID", batch.ID),
				zap.Int("schemaVersion", batch.SchemaVersion),
				zap.Error(err),
			)
		} else {
			res.Result = ResultRejected
			g.logger.Error("Rejected inbound batch",
				zap.String("batchID", batch.ID),
				zap.Int("schemaVersion", batch.SchemaVersion),
				zap.Error(err),
			)
		}
		return res
	}

	remote, err := documents.Decode(prepared)
	if err != nil {
		res.Err = pkgerrors.NewValidationError("undecodable batch").WithCause(err)
		res.Result = ResultRejected
		return res
	}

	err = g.writer.Do(ctx, func(o *aggregates.Outline) error {
		p := g.integrate(o, remote, batch.CreatedAt)
		if p.changes.IsEmpty() && !p.rebroadcast {
			res.Result = ResultEqual
			return nil
		}
		if err := o.ApplyUpdates(p.changes); err != nil {
			return err
		}
		g.metrics.SetOutlineSize(o.Stats())

		out, err := documents.Encode(p.outgoing, string(g.peerID), g.now())
		if err != nil {
			return err
		}
		// Queued under the writer lock so local writes keep apply order.
		g.enqueue(job{ctx: context.WithoutCancel(ctx), batch: out, broadcast: p.rebroadcast})

		res.Result = ResultApplied
		res.Updates = p.changes
		res.Rebroadcast = p.rebroadcast
		return nil
	})
	if err != nil {
		res.Err = err
		res.Result = ResultRejected
		g.logger.Error("Failed to apply inbound batch",
			zap.String("batchID", batch.ID),
			zap.Error(err),
		)
		return res
	}

	g.logger.Debug("Inbound batch processed",
		zap.String("batchID", batch.ID),
		zap.String("origin", batch.Origin),
		zap.String("result", string(res.Result)),
		zap.Bool("rebroadcast", res.Rebroadcast),
	)
	return res
}

// prepare brings a copy of batch to the current schema version. A batch
// newer than the local store upgrades the store first; a batch newer than
// this code fails with a retryable SchemaMismatch.
func (g *Gateway) prepare(ctx context.Context, batch *documents.Batch) (*documents.Batch, error) {
	b := batch.Clone()
	if b.SchemaVersion > documents.CurrentSchemaVersion {
		return nil, pkgerrors.NewSchemaMismatchError(b.SchemaVersion, documents.CurrentSchemaVersion)
	}

	local, err := g.persister.SchemaVersion(ctx)
	if err != nil {
		return nil, pkgerrors.NewStorageUnavailableError("schema version", err)
	}
	if b.SchemaVersion > local {
		if _, err := g.migrator.UpgradeStore(ctx, g.persister, documents.CurrentSchemaVersion); err != nil {
			if pkgerrors.IsRetryable(err) {
				return nil, err
			}
			return nil, pkgerrors.NewSchemaMismatchError(b.SchemaVersion, local).WithRetryable(false).WithCause(err)
		}
		g.logger.Info("Upgraded local store for inbound batch",
			zap.Int("from", local),
			zap.Int("to", documents.CurrentSchemaVersion),
		)
	}

	if b.SchemaVersion < documents.CurrentSchemaVersion {
		if !g.migrator.CanMigrate(b.SchemaVersion, documents.CurrentSchemaVersion) {
			return nil, pkgerrors.NewSchemaMismatchError(b.SchemaVersion, documents.CurrentSchemaVersion).WithRetryable(false)
		}
		if err := g.migrator.Migrate(ctx, b, documents.CurrentSchemaVersion); err != nil {
			return nil, pkgerrors.NewSchemaMismatchError(batch.SchemaVersion, documents.CurrentSchemaVersion).
				WithRetryable(false).
				WithCause(err)
		}
	}
	return b, nil
}

// park hands batch to the inbox, holding it in memory while the inbox is
// unavailable
func (g *Gateway) park(ctx context.Context, batch *documents.Batch) {
	if err := g.inbox.Park(context.WithoutCancel(ctx), batch); err != nil {
		g.logger.Warn("Failed to park inbound batch, holding it in memory",
			zap.String("batchID", batch.ID),
			zap.Error(err),
		)
		g.unparkedMu.Lock()
		g.unparked = append(g.unparked, batch)
		g.unparkedMu.Unlock()
	}
}

// Deferred returns the number of inbound batches waiting for a retry
func (g *Gateway) Deferred() int {
	g.unparkedMu.Lock()
	n := len(g.unparked)
	g.unparkedMu.Unlock()

	parked, err := g.inbox.ParkedCount(context.Background())
	if err != nil {
		g.logger.Warn("Failed to count parked batches", zap.Error(err))
	}
	return n + parked
}

// RetryDeferred feeds parked batches through the inbound path again and
// returns how many were applied. At most DeferredRetryLimit batches are
// retried per call. A batch leaves the inbox once it is applied or rejected
// for good; one that is still deferred stays parked.
func (g *Gateway) RetryDeferred(ctx context.Context) int {
	g.unparkedMu.Lock()
	pending := g.unparked
	g.unparked = nil
	g.unparkedMu.Unlock()
	for _, batch := range pending {
		g.park(ctx, batch)
	}

	batches, err := g.inbox.Parked(ctx, g.config.DeferredRetryLimit)
	if err != nil {
		g.logger.Warn("Failed to read parked batches", zap.Error(err))
		return 0
	}

	applied := 0
	for _, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		res := g.receive(ctx, batch)
		switch res.Result {
		case ResultDeferred:
			continue
		case ResultApplied, ResultEqual:
			applied++
		}
		if err := g.inbox.Release(ctx, batch.ID); err != nil {
			g.logger.Warn("Failed to release parked batch",
				zap.String("batchID", batch.ID),
				zap.Error(err),
			)
		}
	}
	return applied
}
