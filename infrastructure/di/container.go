// Package di wires the engine's components together.
package di

import (
	"context"

	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/application/replication"
	"github.com/cybersemics/em-sub013/application/services"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/infrastructure/config"
	"github.com/cybersemics/em-sub013/interfaces/http/rest"
	"github.com/cybersemics/em-sub013/pkg/observability"
)

// Container holds all application dependencies
type Container struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Collector
	Tracer      *observability.TracerProvider
	Storage     *Storage
	Broadcaster ports.Broadcaster
	Store       *services.OutlineStore
	Gateway     *replication.Gateway
	Processor   *replication.OutboxProcessor
	Service     *services.OutlineService
	Router      *rest.Router
}

// ApplyDomainConfig applies the hot reloadable part of next to the running
// outline. The domain limits are shared by pointer and only read under the
// writer lock, so they are swapped under it too.
func (c *Container) ApplyDomainConfig(ctx context.Context, next *config.Config) error {
	return c.Store.Do(ctx, func(o *aggregates.Outline) error {
		next.Domain.ApplyTo(o.Config())
		return nil
	})
}

// RealTimeSync reports whether batches are exchanged with peers while serving
func (c *Container) RealTimeSync() bool {
	enabled := false
	c.Store.View(func(o *aggregates.Outline) {
		enabled = o.Config().EnableRealTimeSync
	})
	return enabled
}
