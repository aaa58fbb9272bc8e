// Package handlers serves the outline over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/commands"
	"github.com/cybersemics/em-sub013/application/services"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/documents"
)

// OutlineHandler handles edits and reads of the outline
type OutlineHandler struct {
	service *services.OutlineService
	logger  *zap.Logger
}

// NewOutlineHandler creates a new outline handler
func NewOutlineHandler(service *services.OutlineService, logger *zap.Logger) *OutlineHandler {
	return &OutlineHandler{
		service: service,
		logger:  logger,
	}
}

// EditResponse is returned for an accepted edit
type EditResponse struct {
	ThoughtID string                 `json:"thoughtId,omitempty"`
	Thoughts  []documents.ThoughtDoc `json:"thoughts"`
	Deleted   []string               `json:"deleted,omitempty"`
	Lexemes   int                    `json:"lexemes"`
	Persisted bool                   `json:"persisted"`
}

// ThoughtResponse is one thought with its ancestor path
type ThoughtResponse struct {
	documents.ThoughtDoc
	Context []string `json:"context"`
}

// OccurrenceResponse is one place a value occurs
type OccurrenceResponse struct {
	ThoughtID string            `json:"thoughtId"`
	Rank      valueobjects.Rank `json:"rank"`
	Context   []string          `json:"context"`
}

// LexemeResponse lists every occurrence of a value
type LexemeResponse struct {
	ID          string               `json:"id"`
	Lemma       string               `json:"lemma"`
	Contexts    []OccurrenceResponse `json:"contexts"`
	Created     time.Time            `json:"created"`
	LastUpdated time.Time            `json:"lastUpdated"`
}

// ApplyEdit handles POST /edits. With ?wait=true the response is held until
// the batch is persisted locally and queued for broadcast.
func (h *OutlineHandler) ApplyEdit(w http.ResponseWriter, r *http.Request) {
	var cmd commands.EditCommand
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	var (
		opts      []services.EditOption
		persisted chan error
	)
	if wait {
		persisted = make(chan error, 1)
		opts = append(opts, services.WithCompletion(func(err error) { persisted <- err }))
	}

	result, err := h.service.ApplyEdit(r.Context(), cmd, opts...)
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}

	resp := EditResponse{
		ThoughtID: result.ThoughtID.String(),
		Thoughts:  []documents.ThoughtDoc{},
		Lexemes:   len(result.LexemeUpdates),
	}
	for id, t := range result.ThoughtUpdates {
		if t == nil {
			resp.Deleted = append(resp.Deleted, id.String())
			continue
		}
		resp.Thoughts = append(resp.Thoughts, documents.FromThought(t))
	}
	sort.Slice(resp.Thoughts, func(i, j int) bool { return resp.Thoughts[i].ID < resp.Thoughts[j].ID })
	sort.Strings(resp.Deleted)

	if wait {
		select {
		case err := <-persisted:
			if err != nil {
				respondErr(w, h.logger, err)
				return
			}
			resp.Persisted = true
		case <-r.Context().Done():
			return
		}
	}

	status := http.StatusOK
	if cmd.Op == commands.OpCreate {
		status = http.StatusCreated
	}
	respondJSON(w, h.logger, status, resp)
}

// GetThought handles GET /thoughts/{thoughtID}
func (h *OutlineHandler) GetThought(w http.ResponseWriter, r *http.Request) {
	id, ok := h.thoughtID(w, r)
	if !ok {
		return
	}

	t, err := h.service.Thought(id)
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}
	path, err := h.service.Context(id)
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, ThoughtResponse{ThoughtDoc: documents.FromThought(t), Context: path})
}

// GetChildren handles GET /thoughts/{thoughtID}/children. Archived children
// are hidden unless ?archived=true.
func (h *OutlineHandler) GetChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := h.thoughtID(w, r)
	if !ok {
		return
	}
	archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))

	children, err := h.service.Children(id, archived)
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}
	docs := make([]documents.ThoughtDoc, 0, len(children))
	for _, c := range children {
		docs = append(docs, documents.FromThought(c))
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"parentId": id.String(),
		"children": docs,
	})
}

// LookupLexeme handles GET /lexemes?value=
func (h *OutlineHandler) LookupLexeme(w http.ResponseWriter, r *http.Request) {
	values, present := r.URL.Query()["value"]
	if !present || len(values) == 0 {
		respondError(w, h.logger, http.StatusBadRequest, "value is required")
		return
	}

	l, err := h.service.LookupValue(values[0])
	if err != nil {
		respondErr(w, h.logger, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, lexemeResponse(l))
}

func (h *OutlineHandler) thoughtID(w http.ResponseWriter, r *http.Request) (valueobjects.ThoughtID, bool) {
	id, err := valueobjects.ParseThoughtID(chi.URLParam(r, "thoughtID"))
	if err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid thought ID: "+err.Error())
		return "", false
	}
	return id, true
}

func lexemeResponse(l *entities.Lexeme) LexemeResponse {
	resp := LexemeResponse{
		ID:          l.ID.String(),
		Lemma:       l.Lemma,
		Contexts:    make([]OccurrenceResponse, 0, len(l.Contexts)),
		Created:     l.Created,
		LastUpdated: l.LastUpdated,
	}
	for _, c := range l.Contexts {
		resp.Contexts = append(resp.Contexts, OccurrenceResponse{
			ThoughtID: c.ID.String(),
			Rank:      c.Rank,
			Context:   append([]string{}, c.Context...),
		})
	}
	return resp
}
