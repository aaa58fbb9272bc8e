package di

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/application/replication"
	"github.com/cybersemics/em-sub013/application/services"
	domainconfig "github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/services/merge"
	"github.com/cybersemics/em-sub013/domain/services/repair"
	"github.com/cybersemics/em-sub013/infrastructure/config"
	hub "github.com/cybersemics/em-sub013/infrastructure/messaging/memory"
	redisbus "github.com/cybersemics/em-sub013/infrastructure/messaging/redis"
	badgerstore "github.com/cybersemics/em-sub013/infrastructure/persistence/badger"
	"github.com/cybersemics/em-sub013/infrastructure/persistence/dynamodb"
	memstore "github.com/cybersemics/em-sub013/infrastructure/persistence/memory"
	"github.com/cybersemics/em-sub013/infrastructure/persistence/schema"
	"github.com/cybersemics/em-sub013/interfaces/http/rest"
	"github.com/cybersemics/em-sub013/pkg/observability"
)

// Storage is the selected local store. Badger is nil unless a Badger
// database backs the persister or the outbox. The inbox always lives next
// to the outbox.
type Storage struct {
	Persister ports.Persister
	Outbox    ports.Outbox
	Inbox     ports.Inbox
	Badger    *badgerstore.Store
}

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	var zc zap.Config
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("peer", cfg.PeerID), zap.String("outline", cfg.Outline)), nil
}

// ProvideDomainConfig derives the business limits
func ProvideDomainConfig(cfg *config.Config) (*domainconfig.DomainConfig, error) {
	dc := cfg.DomainConfig()
	if err := dc.Validate(); err != nil {
		return nil, err
	}
	return dc, nil
}

// ProvideMetrics creates the metrics collector
func ProvideMetrics() *observability.Collector {
	return observability.NewCollector("thoughtgraph")
}

// ProvideTracing installs the tracer provider
func ProvideTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*observability.TracerProvider, func(), error) {
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "thoughtgraph",
		Environment: cfg.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	return tp, cleanup, nil
}

// ProvideStorage opens the configured persister and outbox. DynamoDB holds
// the documents only; its outbox lives in Badger when a path is set and in
// memory otherwise.
func ProvideStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Storage, func(), error) {
	p := cfg.Persistence
	switch p.Backend {
	case "memory":
		store := memstore.NewInMemoryStore()
		return &Storage{Persister: store, Outbox: store, Inbox: store}, func() {}, nil

	case "badger":
		store, err := badgerstore.Open(badgerstore.DefaultConfig(p.BadgerPath), logger)
		if err != nil {
			return nil, nil, err
		}
		return &Storage{Persister: store, Outbox: store, Inbox: store, Badger: store}, closeBadger(store, logger), nil

	case "dynamodb":
		client, err := dynamodb.NewClient(ctx, dynamodb.ClientConfig{
			Region:    p.AWSRegion,
			Endpoint:  p.DynamoDBEndpoint,
			TableName: p.DynamoDBTable,
			Outline:   cfg.Outline,
		})
		if err != nil {
			return nil, nil, err
		}
		persister := dynamodb.NewPersister(client, p.DynamoDBTable, cfg.Outline, logger)
		if p.BadgerPath == "" {
			logger.Warn("No badger path set, outbox and inbox are not durable")
			queues := memstore.NewInMemoryStore()
			return &Storage{Persister: persister, Outbox: queues, Inbox: queues}, func() {}, nil
		}
		store, err := badgerstore.Open(badgerstore.DefaultConfig(p.BadgerPath), logger)
		if err != nil {
			return nil, nil, err
		}
		return &Storage{Persister: persister, Outbox: store, Inbox: store, Badger: store}, closeBadger(store, logger), nil

	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", p.Backend)
	}
}

func closeBadger(store *badgerstore.Store, logger *zap.Logger) func() {
	return func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close badger store", zap.Error(err))
		}
	}
}

// ProvidePersister exposes the storage's persister
func ProvidePersister(s *Storage) ports.Persister {
	return s.Persister
}

// ProvideOutbox exposes the storage's outbox
func ProvideOutbox(s *Storage) ports.Outbox {
	return s.Outbox
}

// ProvideInbox exposes the storage's inbox
func ProvideInbox(s *Storage) ports.Inbox {
	return s.Inbox
}

// ProvideBroadcaster connects to the configured transport. Without one the
// peer broadcasts into a private hub and only replicates to its own store.
func ProvideBroadcaster(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.Broadcaster, func(), error) {
	switch cfg.Broadcast.Backend {
	case "redis":
		rdb, err := redisbus.NewClient(ctx, redisbus.Config{
			Addr:    cfg.Broadcast.RedisAddr,
			Channel: cfg.Broadcast.RedisChannel,
		})
		if err != nil {
			return nil, nil, err
		}
		b := redisbus.NewBroadcaster(rdb, cfg.Broadcast.RedisChannel, logger)
		cleanup := func() {
			if err := b.Close(); err != nil {
				logger.Warn("Failed to close redis client", zap.Error(err))
			}
		}
		return b, cleanup, nil
	case "none":
		return hub.NewHub().Connect(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown broadcast backend %q", cfg.Broadcast.Backend)
	}
}

// ProvideOutlineStore creates the in-memory outline and its writer lock
func ProvideOutlineStore(dc *domainconfig.DomainConfig) *services.OutlineStore {
	return services.NewOutlineStore(aggregates.NewOutline(dc))
}

// ProvideMigrator returns the schema evolution chain
func ProvideMigrator() ports.Migrator {
	return schema.NewDefaultEvolution()
}

// ProvideResolver returns the merge policy
func ProvideResolver() merge.Resolver {
	return merge.NewLWWResolver()
}

// ProvideRepairEngine creates the repair engine
func ProvideRepairEngine(dc *domainconfig.DomainConfig, logger *zap.Logger) *repair.Engine {
	return repair.NewEngine(dc, logger)
}

// ProvideGateway creates the replication gateway
func ProvideGateway(
	cfg *config.Config,
	writer ports.OutlineWriter,
	persister ports.Persister,
	outbox ports.Outbox,
	inbox ports.Inbox,
	broadcaster ports.Broadcaster,
	migrator ports.Migrator,
	resolver merge.Resolver,
	dc *domainconfig.DomainConfig,
	metrics *observability.Collector,
	logger *zap.Logger,
) *replication.Gateway {
	return replication.NewGateway(
		replication.PeerID(cfg.PeerID),
		writer,
		persister,
		outbox,
		inbox,
		broadcaster,
		migrator,
		resolver,
		dc,
		metrics,
		logger,
	)
}

// ProvideOutboxProcessor creates the outbox processor
func ProvideOutboxProcessor(
	cfg *config.Config,
	outbox ports.Outbox,
	broadcaster ports.Broadcaster,
	gateway *replication.Gateway,
	dc *domainconfig.DomainConfig,
	metrics *observability.Collector,
	logger *zap.Logger,
) *replication.OutboxProcessor {
	pc := replication.ProcessorConfigFrom(dc)
	pc.RetryMax = cfg.Replication.RetryMax
	pc.BreakerTimeout = cfg.Replication.BreakerTimeout
	pc.FailureThreshold = cfg.Replication.FailureThreshold
	return replication.NewOutboxProcessor(outbox, broadcaster, gateway, pc, metrics, logger)
}

// ProvideRouter creates the HTTP router
func ProvideRouter(
	cfg *config.Config,
	service *services.OutlineService,
	processor *replication.OutboxProcessor,
	gateway *replication.Gateway,
	metrics *observability.Collector,
	logger *zap.Logger,
) *rest.Router {
	return rest.NewRouter(service, processor, gateway, cfg.PeerID, metrics, rest.Options{
		EnableCORS:    cfg.EnableCORS,
		EnableMetrics: cfg.EnableMetrics,
	}, logger)
}
