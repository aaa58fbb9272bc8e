//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/application/replication"
	"github.com/cybersemics/em-sub013/application/services"
	"github.com/cybersemics/em-sub013/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideDomainConfig,
	ProvideMetrics,
	ProvideTracing,
	ProvideStorage,
	ProvidePersister,
	ProvideOutbox,
	ProvideInbox,
	ProvideBroadcaster,
	ProvideOutlineStore,
	wire.Bind(new(ports.OutlineWriter), new(*services.OutlineStore)),
	ProvideMigrator,
	ProvideResolver,
	ProvideRepairEngine,
	ProvideGateway,
	wire.Bind(new(ports.Publisher), new(*replication.Gateway)),
	services.NewOutlineService,
	ProvideOutboxProcessor,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
