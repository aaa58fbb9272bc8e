package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/infrastructure/config"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PERSISTENCE_BACKEND", backend)
	t.Setenv("BADGER_PATH", filepath.Join(t.TempDir(), "outline"))
	t.Setenv("BROADCAST_BACKEND", "none")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestInitializeContainer(t *testing.T) {
	for _, backend := range []string{"memory", "badger"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			c, cleanup, err := InitializeContainer(ctx, testConfig(t, backend))
			require.NoError(t, err)
			defer cleanup()

			require.NoError(t, c.Service.Load(ctx))
			assert.Equal(t, backend == "badger", c.Storage.Badger != nil)

			rec := httptest.NewRecorder()
			c.Router.Setup().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestApplyDomainConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "memory")
	c, cleanup, err := InitializeContainer(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()

	next := *cfg
	next.Domain.MaxRepairDepth = 7
	require.NoError(t, c.ApplyDomainConfig(ctx, &next))

	c.Store.View(func(o *aggregates.Outline) {
		assert.Equal(t, 7, o.Config().MaxRepairDepth)
	})
}

func TestRealTimeSyncFollowsConfig(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{name: "default", env: "", want: true},
		{name: "disabled", env: "false", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("REALTIME_SYNC", tt.env)
			c, cleanup, err := InitializeContainer(context.Background(), testConfig(t, "memory"))
			require.NoError(t, err)
			defer cleanup()
			assert.Equal(t, tt.want, c.RealTimeSync())
		})
	}
}

func TestProvideLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := ProvideLogger(&config.Config{LogLevel: "loud"})
	assert.Error(t, err)
}
