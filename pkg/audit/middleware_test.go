package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func listAll(t *testing.T, store *Store) []Event {
	t.Helper()
	events, _, _, err := store.List(context.Background(), Filter{}, 100, "")
	require.NoError(t, err)
	return events
}

func TestMiddleware_RecordsMutation(t *testing.T) {
	store := setupTestStore(t)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Middleware(store, DefaultConfig(), nil))
	r.Post("/api/v1/sync/specs/{id}:run", statusHandler(http.StatusAccepted).ServeHTTP)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/specs/3:run", nil)
	req.Header.Set("X-Remote-User", "alice")
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	events := listAll(t, store)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "alice", e.Actor)
	assert.Equal(t, "specs", e.Resource)
	assert.Equal(t, "3", e.ResourceID)
	assert.Equal(t, "run", e.Action)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.Equal(t, http.StatusAccepted, e.StatusCode)
	assert.NotEmpty(t, e.RequestID)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(e.Metadata, &meta))
	assert.Equal(t, "corr-1", meta["correlationId"])
}

func TestMiddleware_SkipsReads(t *testing.T) {
	store := setupTestStore(t)
	h := Middleware(store, DefaultConfig(), nil)(statusHandler(http.StatusOK))

	for _, path := range []string{"/api/v1/sync/specs", "/healthz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Empty(t, listAll(t, store))
}

func TestMiddleware_FailureAndDenied(t *testing.T) {
	store := setupTestStore(t)

	h := Middleware(store, DefaultConfig(), nil)(statusHandler(http.StatusConflict))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/sync/backfill", nil))

	cfg := &Config{Enabled: true, LogDenied: false}
	h = Middleware(store, cfg, nil)(statusHandler(http.StatusForbidden))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/manifest", nil))

	events := listAll(t, store)
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeFailure, events[0].Outcome)
	assert.Equal(t, "backfill", events[0].Action)
	assert.Equal(t, "anonymous", events[0].Actor)
}

func TestMiddleware_DisabledPassesThrough(t *testing.T) {
	store := setupTestStore(t)
	for _, h := range []http.Handler{
		Middleware(nil, DefaultConfig(), nil)(statusHandler(http.StatusOK)),
		Middleware(store, &Config{Enabled: false}, nil)(statusHandler(http.StatusOK)),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/manifest", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Empty(t, listAll(t, store))
}
