package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/mailbox-relay/pkg/crypto"
	"github.com/ZentaChain/mailbox-relay/pkg/metrics"
	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
	"github.com/ZentaChain/mailbox-relay/pkg/relay"
	"github.com/ZentaChain/mailbox-relay/pkg/storage"
)

type fixedStats relay.Stats

func (f fixedStats) Stats() relay.Stats { return relay.Stats(f) }

type downStore struct {
	storage.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, store storage.Store, cfg Config) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	stats := fixedStats{OpenConnections: 2, TotalConnections: 5, RequestsServed: 42, Uptime: time.Minute}
	return NewServer(cfg, store, stats, m, zerolog.Nop()), m
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestAPIHealth(t *testing.T) {
	server, _ := newTestServer(t, storage.NewMemoryStore(), Config{})

	w := get(t, server, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	down, _ := newTestServer(t, downStore{storage.NewMemoryStore()}, Config{})
	w = get(t, down, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAPIStats(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	alice, bob := protocol.ClientID{1}, protocol.ClientID{2}
	require.NoError(t, store.Register(ctx, alice, "alice", protocol.PublicKey{}))
	require.NoError(t, store.Register(ctx, bob, "bob", protocol.PublicKey{}))
	_, err := store.Enqueue(ctx, bob, alice, protocol.MessageText, []byte("hi"))
	require.NoError(t, err)

	server, _ := newTestServer(t, store, Config{})
	w := get(t, server, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.RegisteredClients)
	assert.Equal(t, 1, resp.PendingMessages)
	assert.Equal(t, 2, resp.OpenConnections)
	assert.Equal(t, uint64(5), resp.TotalConnections)
	assert.Equal(t, uint64(42), resp.RequestsServed)
	assert.Equal(t, 60.0, resp.UptimeSeconds)
}

func TestAPIClients(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	alice := protocol.ClientID{0xaa}
	key := protocol.PublicKey{7, 7, 7}
	require.NoError(t, store.Register(ctx, alice, "alice", key))
	require.NoError(t, store.Register(ctx, protocol.ClientID{0xbb}, "bob", protocol.PublicKey{}))

	server, _ := newTestServer(t, store, Config{})

	w := get(t, server, "/api/v1/clients")
	require.Equal(t, http.StatusOK, w.Code)

	var list ClientsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "alice", list.Clients[0].Username)
	assert.Equal(t, alice.String(), list.Clients[0].ID)
	assert.Equal(t, crypto.Fingerprint(key), list.Clients[0].Fingerprint)
	assert.Equal(t, "bob", list.Clients[1].Username)
	assert.False(t, list.Clients[0].LastSeen.IsZero())

	w = get(t, server, "/api/v1/clients/"+alice.String())
	require.Equal(t, http.StatusOK, w.Code)
	var one ClientInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, "alice", one.Username)

	w = get(t, server, "/api/v1/clients/"+protocol.ClientID{0xcc}.String())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(t, server, "/api/v1/clients/not-hex")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIMetrics(t *testing.T) {
	server, m := newTestServer(t, storage.NewMemoryStore(), Config{})

	get(t, server, "/health")
	get(t, server, "/nowhere")

	w := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "relay_http_requests_total"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestAPIRateLimiting(t *testing.T) {
	server, _ := newTestServer(t, storage.NewMemoryStore(), Config{RateLimit: 3})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(t, server, "/health").Code)
	}
	w := get(t, server, "/health")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(1, 20*time.Millisecond)

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, limiter.Allow("10.0.0.1"))
}

func TestAPIStartAndShutdown(t *testing.T) {
	server, _ := newTestServer(t, storage.NewMemoryStore(), Config{Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	require.Eventually(t, func() bool { return server.Addr() != nil }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + server.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not shut down")
	}
}
