package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/replication"
	"github.com/cybersemics/em-sub013/application/services"
	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/services/merge"
	"github.com/cybersemics/em-sub013/domain/services/repair"
	"github.com/cybersemics/em-sub013/interfaces/http/rest/handlers"
	hub "github.com/cybersemics/em-sub013/infrastructure/messaging/memory"
	memstore "github.com/cybersemics/em-sub013/infrastructure/persistence/memory"
	"github.com/cybersemics/em-sub013/infrastructure/persistence/schema"
	"github.com/cybersemics/em-sub013/pkg/observability"
)

type testServer struct {
	handler http.Handler
	db      *memstore.InMemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.DefaultDomainConfig()
	logger := zap.NewNop()
	metrics := observability.NewCollector("test")

	store := services.NewOutlineStore(aggregates.NewOutline(cfg))
	db := memstore.NewInMemoryStore()
	client := hub.NewHub().Connect()
	evolution := schema.NewDefaultEvolution()

	gw := replication.NewGateway("peer-a", store, db, db, db, client, evolution, merge.NewLWWResolver(), cfg, metrics, logger)
	svc := services.NewOutlineService(store, gw, db, evolution, repair.NewEngine(cfg, logger), metrics, logger)
	proc := replication.NewOutboxProcessor(db, client, gw, replication.ProcessorConfigFrom(cfg), metrics, logger)

	router := NewRouter(svc, proc, gw, "peer-a", metrics, Options{EnableCORS: true, EnableMetrics: true}, logger)
	return &testServer{handler: router.Setup(), db: db}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (s *testServer) create(t *testing.T, parent, value string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/edits?wait=true", map[string]interface{}{
		"op": "create", "parentId": parent, "value": value,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp handlers.EditResponse
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.ThoughtID)
	assert.True(t, resp.Persisted)
	return resp.ThoughtID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["thoughts"])
}

func TestCreateAndRead(t *testing.T) {
	s := newTestServer(t)
	root := valueobjects.RootID.String()

	a := s.create(t, root, "Apple")
	b := s.create(t, root, "Banana")
	child := s.create(t, a, "Seed")

	t.Run("thought with context", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/thoughts/"+child, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp handlers.ThoughtResponse
		decode(t, rec, &resp)
		assert.Equal(t, "Seed", resp.Value)
		assert.Equal(t, a, resp.ParentID)
		assert.Equal(t, []string{root, "Apple"}, resp.Context)
	})

	t.Run("children in rank order", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/thoughts/"+root+"/children", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Children []struct {
				ID string `json:"id"`
			} `json:"children"`
		}
		decode(t, rec, &resp)
		require.Len(t, resp.Children, 2)
		assert.Equal(t, a, resp.Children[0].ID)
		assert.Equal(t, b, resp.Children[1].ID)
	})

	t.Run("lexeme lookup is normalized", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/lexemes?value=apple", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp handlers.LexemeResponse
		decode(t, rec, &resp)
		require.Len(t, resp.Contexts, 1)
		assert.Equal(t, a, resp.Contexts[0].ThoughtID)
	})

	t.Run("edits are persisted", func(t *testing.T) {
		snapshot, err := s.db.Load(httptest.NewRequest(http.MethodGet, "/", nil).Context())
		require.NoError(t, err)
		assert.Contains(t, snapshot.Thoughts, child)
	})
}

func TestDeleteReportsRemovedThoughts(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, valueobjects.RootID.String(), "Apple")
	child := s.create(t, a, "Seed")

	rec := s.do(t, http.MethodPost, "/api/v1/edits", map[string]interface{}{"op": "delete", "thoughtId": a})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp handlers.EditResponse
	decode(t, rec, &resp)
	assert.ElementsMatch(t, []string{a, child}, resp.Deleted)

	rec = s.do(t, http.MethodGet, "/api/v1/thoughts/"+a, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		raw    string
		status int
	}{
		{name: "malformed body", method: http.MethodPost, path: "/api/v1/edits", raw: "{", status: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/v1/edits", raw: `{"op":"create","bogus":1}`, status: http.StatusBadRequest},
		{name: "unknown op", method: http.MethodPost, path: "/api/v1/edits", body: map[string]string{"op": "explode"}, status: http.StatusBadRequest},
		{name: "create without parent", method: http.MethodPost, path: "/api/v1/edits", body: map[string]string{"op": "create", "value": "x"}, status: http.StatusBadRequest},
		{name: "missing thought", method: http.MethodGet, path: "/api/v1/thoughts/nope", status: http.StatusNotFound},
		{name: "missing parent of children", method: http.MethodGet, path: "/api/v1/thoughts/nope/children", status: http.StatusNotFound},
		{name: "lexeme without value", method: http.MethodGet, path: "/api/v1/lexemes", status: http.StatusBadRequest},
		{name: "unknown lexeme", method: http.MethodGet, path: "/api/v1/lexemes?value=zzz", status: http.StatusNotFound},
		{name: "negative repair limit", method: http.MethodPost, path: "/api/v1/repair", body: map[string]int{"maxDepth": -1}, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.raw != "" {
				req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.raw))
				rec = httptest.NewRecorder()
				s.handler.ServeHTTP(rec, req)
			} else {
				rec = s.do(t, tt.method, tt.path, tt.body)
			}
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp handlers.ErrorResponse
			decode(t, rec, &resp)
			assert.True(t, resp.Error)
			assert.Equal(t, tt.status, resp.Status)
		})
	}
}

func TestRepairOnHealthyOutline(t *testing.T) {
	s := newTestServer(t)
	s.create(t, valueobjects.RootID.String(), "Apple")

	rec := s.do(t, http.MethodPost, "/api/v1/repair", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp handlers.RepairResponse
	decode(t, rec, &resp)
	assert.Zero(t, resp.Corrections)
	assert.False(t, resp.Truncated)
	assert.False(t, resp.Applied)
	assert.Positive(t, resp.Visited)
}

func TestSchemaAndReplicationStatus(t *testing.T) {
	s := newTestServer(t)
	s.create(t, valueobjects.RootID.String(), "Apple")

	rec := s.do(t, http.MethodGet, "/api/v1/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schemaResp map[string]int
	decode(t, rec, &schemaResp)
	assert.Equal(t, schemaResp["current"], schemaResp["stored"])

	rec = s.do(t, http.MethodGet, "/api/v1/replication", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		PeerID   string                 `json:"peerId"`
		Outbox   map[string]interface{} `json:"outbox"`
		Deferred int                    `json:"deferred"`
		Thoughts int                    `json:"thoughts"`
	}
	decode(t, rec, &status)
	assert.Equal(t, "peer-a", status.PeerID)
	assert.EqualValues(t, 1, status.Outbox["pending"])
	assert.Zero(t, status.Deferred)
	assert.Equal(t, 2, status.Thoughts)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}
