// Package rest exposes the outline engine over HTTP.
package rest

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/services"
	"github.com/cybersemics/em-sub013/interfaces/http/rest/handlers"
	"github.com/cybersemics/em-sub013/interfaces/http/rest/middleware"
	"github.com/cybersemics/em-sub013/pkg/observability"
)

// Options toggles optional router features
type Options struct {
	EnableCORS     bool
	EnableMetrics  bool
	AllowedOrigins []string
}

// Router creates and configures the HTTP router
type Router struct {
	service *services.OutlineService
	outbox  handlers.OutboxStatus
	inbound handlers.InboundStatus
	peerID  string
	metrics *observability.Collector
	options Options
	logger  *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(
	service *services.OutlineService,
	outbox handlers.OutboxStatus,
	inbound handlers.InboundStatus,
	peerID string,
	metrics *observability.Collector,
	options Options,
	logger *zap.Logger,
) *Router {
	return &Router{
		service: service,
		outbox:  outbox,
		inbound: inbound,
		peerID:  peerID,
		metrics: metrics,
		options: options,
		logger:  logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Observe(rt.logger, rt.metrics))

	if rt.options.EnableCORS {
		origins := rt.options.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"http://localhost:3000"}
		}
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	if rt.options.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(rt.metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}

	outline := handlers.NewOutlineHandler(rt.service, rt.logger)
	admin := handlers.NewAdminHandler(rt.service, rt.outbox, rt.inbound, rt.peerID, rt.logger)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/edits", outline.ApplyEdit)

		r.Route("/thoughts/{thoughtID}", func(r chi.Router) {
			r.Get("/", outline.GetThought)
			r.Get("/children", outline.GetChildren)
		})
		r.Get("/lexemes", outline.LookupLexeme)

		r.Post("/repair", admin.RunRepair)
		r.Get("/schema", admin.GetSchema)
		r.Get("/replication", admin.GetReplication)
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	thoughts, lexemes := rt.service.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","thoughts":` + strconv.Itoa(thoughts) + `,"lexemes":` + strconv.Itoa(lexemes) + `}`))
}
