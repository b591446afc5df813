package debughttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webdht/internal/config"
	"webdht/internal/cryptoprim"
	"webdht/internal/debughttp"
	"webdht/internal/dht"
	"webdht/internal/events"
	"webdht/internal/identity"
	"webdht/internal/overlay"
	"webdht/internal/persistence"
	"webdht/internal/storage"
)

type noDialConnector struct{}

func (noDialConnector) Connect(ctx context.Context, self, peer string) (overlay.Transport, error) {
	return nil, context.DeadlineExceeded
}

func newTestServer(t *testing.T) *debughttp.Server {
	cfg := config.Default()
	cfg.ReplicationFactor = 1
	cfg.EncryptionEnabled = false

	id, err := identity.New()
	require.NoError(t, err)
	notifier := events.NewNotifier()
	sm := overlay.NewSessionManager(id.String(), noDialConnector{}, notifier, nil, time.Second, 0)
	d := dht.New(id, sm, persistence.NewMemory(), notifier, nil, cfg)
	engine := storage.New(id.String(), d, nil, cryptoprim.KeyPair{}, persistence.NewMemory(), notifier, nil, cfg)

	return debughttp.New(":0", id.String(), d, engine, nil)
}

func TestHealthzReportsStatus(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestStatsReflectsStoredItems(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(0), body["itemCount"])
}
