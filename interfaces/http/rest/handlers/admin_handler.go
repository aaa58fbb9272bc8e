package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/services"
	"github.com/cybersemics/em-sub013/domain/documents"
	"github.com/cybersemics/em-sub013/domain/services/repair"
)

// OutboxStatus reports on the broadcast queue
type OutboxStatus interface {
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// InboundStatus reports on inbound replication
type InboundStatus interface {
	Deferred() int
}

// AdminHandler handles repair and replication status requests
type AdminHandler struct {
	service *services.OutlineService
	outbox  OutboxStatus
	inbound InboundStatus
	peerID  string
	logger  *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	service *services.OutlineService,
	outbox OutboxStatus,
	inbound InboundStatus,
	peerID string,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		service: service,
		outbox:  outbox,
		inbound: inbound,
		peerID:  peerID,
		logger:  logger,
	}
}

// RepairResponse summarizes one repair pass
type RepairResponse struct {
	Counts      map[repair.Category]int `json:"counts"`
	Corrections int                     `json:"corrections"`
	Truncated   bool                    `json:"truncated"`
	Visited     int                     `json:"visited"`
	Applied     bool                    `json:"applied"`
}

// RunRepair handles POST /repair. An empty body runs with the configured
// limits and applies the corrections.
func (h *AdminHandler) RunRepair(w http.ResponseWriter, r *http.Request) {
	var opts repair.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if opts.MaxDepth < 0 || opts.MaxItems < 0 {
		respondError(w, h.logger, http.StatusBadRequest, "maxDepth and maxItems must not be negative")
		return
	}

	report, err := h.service.RunRepair(r.Context(), opts)
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}

	h.logger.Info("Repair pass finished",
		zap.Int("corrections", report.Total()),
		zap.Bool("truncated", report.Truncated),
		zap.Bool("applied", report.Applied),
	)
	respondJSON(w, h.logger, http.StatusOK, RepairResponse{
		Counts:      report.Counts,
		Corrections: report.Total(),
		Truncated:   report.Truncated,
		Visited:     report.Visited,
		Applied:     report.Applied,
	})
}

// GetSchema handles GET /schema
func (h *AdminHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	stored, err := h.service.SchemaVersion(r.Context())
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]int{
		"stored":  stored,
		"current": documents.CurrentSchemaVersion,
	})
}

// GetReplication handles GET /replication
func (h *AdminHandler) GetReplication(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.GetStats(r.Context())
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}
	thoughts, lexemes := h.service.Stats()
	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"peerId":   h.peerID,
		"outbox":   stats,
		"deferred": h.inbound.Deferred(),
		"thoughts": thoughts,
		"lexemes":  lexemes,
	})
}
