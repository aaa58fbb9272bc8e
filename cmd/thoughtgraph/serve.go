package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cybersemics/em-sub013/application/replication"
	"github.com/cybersemics/em-sub013/infrastructure/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the outline over HTTP and replicate with peers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := container.Config
	logger := container.Logger

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      container.Router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("address", cfg.ServerAddress),
			zap.String("environment", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if container.RealTimeSync() {
		g.Go(func() error {
			container.Processor.Start(gctx)
			<-gctx.Done()
			container.Processor.Stop()
			return nil
		})

		g.Go(func() error {
			runInbound(gctx, container.Gateway, logger)
			return nil
		})
	} else {
		logger.Warn("Real-time sync disabled, batches stay in the outbox")
	}

	if container.Storage.Badger != nil {
		g.Go(func() error {
			return container.Storage.Badger.RunGC(gctx)
		})
	}

	if cfg.File != "" {
		watcher, err := config.NewWatcher(cfg, logger)
		if err != nil {
			logger.Warn("Config hot reload disabled", zap.Error(err))
		} else {
			watcher.OnChange(func(next *config.Config) {
				if err := container.ApplyDomainConfig(gctx, next); err != nil {
					logger.Error("Failed to apply reloaded config", zap.Error(err))
				}
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// runInbound keeps a remote subscription open until ctx is done,
// resubscribing with backoff when the transport drops it
func runInbound(ctx context.Context, gw *replication.Gateway, logger *zap.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute

	for ctx.Err() == nil {
		started := time.Now()
		for res := range gw.Pull(ctx) {
			if res.Err != nil {
				logger.Warn("Inbound batch not applied",
					zap.String("batchID", res.BatchID),
					zap.String("origin", res.Origin),
					zap.String("result", string(res.Result)),
					zap.Error(res.Err),
				)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		wait := b.NextBackOff()
		logger.Info("Resubscribing to peers", zap.Duration("in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
