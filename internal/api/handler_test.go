package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
	"Mailer/internal/db"
	"Mailer/internal/models"
	"Mailer/internal/queue"
)

func newTestRouter(t *testing.T, cfg config.APIConfig) (http.Handler, *queue.Queue) {
	t.Helper()

	store, err := db.NewBoltStore(filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, queue.Options{LeaseTTL: time.Minute, MaxAttempts: 3}, zap.NewNop())
	h := &Handler{Queue: q, Log: zap.NewNop()}
	return h.Router(cfg), q
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndStatus(t *testing.T) {
	router, _ := newTestRouter(t, config.APIConfig{})

	rec := do(t, router, http.MethodPost, "/commands", map[string]any{
		"id":            "m1",
		"template_name": "welcome",
		"ctx":           map[string]any{"name": "Alice"},
		"recipients":    []string{"a@example.com"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "m1", created["id"])
	assert.Equal(t, "pending", created["state"])

	rec = do(t, router, http.MethodGet, "/commands/m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cmd models.PersistentCommand
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmd))
	assert.Equal(t, models.StatePending, cmd.State)
	assert.Equal(t, "welcome", cmd.TemplateName)
	assert.Equal(t, models.DefaultTrigger, cmd.Trigger)
	assert.Equal(t, "Alice", cmd.Ctx["name"])
}

func TestEnqueueErrors(t *testing.T) {
	router, _ := newTestRouter(t, config.APIConfig{})

	rec := do(t, router, http.MethodPost, "/commands", map[string]any{
		"template_name": "welcome",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "recipients")

	rec = do(t, router, http.MethodPost, "/commands", map[string]any{
		"template_name": "welcome",
		"recipients":    []string{"a@example.com"},
		"unexpected":    true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := map[string]any{"id": "dup", "template_name": "welcome", "recipients": []string{"a@example.com"}}
	require.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/commands", body).Code)
	assert.Equal(t, http.StatusConflict, do(t, router, http.MethodPost, "/commands", body).Code)
}

func TestStatusUnknownCommand(t *testing.T) {
	router, _ := newTestRouter(t, config.APIConfig{})

	rec := do(t, router, http.MethodGet, "/commands/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndHealth(t *testing.T) {
	router, q := newTestRouter(t, config.APIConfig{})

	_, err := q.Enqueue(context.Background(), models.MessageRequest{
		TemplateName: "welcome",
		Recipients:   []string{"a@example.com"},
	})
	require.NoError(t, err)

	rec := do(t, router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Pending)

	rec = do(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, models.MessageRequest) (string, error) {
	return "", apperrors.NewStoreError("insert", errors.New("connection refused"))
}

func (brokenQueue) Get(context.Context, string) (*models.PersistentCommand, error) {
	return nil, errors.New("boom")
}

func (brokenQueue) Stats(context.Context) (*models.QueueStats, error) {
	return nil, apperrors.NewStoreError("stats", errors.New("connection refused"))
}

func TestStoreFailures(t *testing.T) {
	router := (&Handler{Queue: brokenQueue{}, Log: zap.NewNop()}).Router(config.APIConfig{})

	rec := do(t, router, http.MethodPost, "/commands", map[string]any{
		"template_name": "welcome",
		"recipients":    []string{"a@example.com"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusInternalServerError, do(t, router, http.MethodGet, "/commands/x", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, router, http.MethodGet, "/healthz", nil).Code)
}

func TestThrottle(t *testing.T) {
	router, _ := newTestRouter(t, config.APIConfig{RateLimit: 0.001, Burst: 2})

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/healthz", nil).Code)

	rec := do(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
