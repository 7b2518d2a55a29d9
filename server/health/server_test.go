// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/minimq/broker"
	"github.com/absmach/minimq/exchange"
	"github.com/absmach/minimq/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	store := memory.New()
	cfg := broker.DefaultConfig()
	cfg.BatchLinger = 0
	b := broker.New(cfg, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		b.Close()
		store.Close()
	})
	return b
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Config{}, nil, nil)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(Config{}, newTestBroker(t), nil)

	for _, path := range []string{"/health", "/ready", "/stats", "/queues", "/exchanges"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name    string
		broker  func(t *testing.T) *broker.Broker
		code    int
		status  string
		details string
	}{
		{
			name:    "no broker",
			broker:  func(*testing.T) *broker.Broker { return nil },
			code:    http.StatusServiceUnavailable,
			status:  "not_ready",
			details: "broker not initialized",
		},
		{
			name:   "running broker",
			broker: newTestBroker,
			code:   http.StatusOK,
			status: "ready",
		},
		{
			name: "closed broker",
			broker: func(t *testing.T) *broker.Broker {
				b := newTestBroker(t)
				b.Close()
				return b
			},
			code:    http.StatusServiceUnavailable,
			status:  "not_ready",
			details: "broker shutting down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, tt.broker(t), nil)
			rec := get(t, s, "/ready")
			assert.Equal(t, tt.code, rec.Code)

			var resp ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.details, resp.Details)
		})
	}
}

func TestAdminEndpoints(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Declare("orders", exchange.Direct))
	require.NoError(t, b.Bind("orders", "east", "e"))
	require.NoError(t, b.Publish(broker.Pending{Exchange: "orders", RoutingKey: "e", Payload: "ship"}))
	<-b.Flush()

	s := New(Config{}, b, nil)

	rec := get(t, s, "/queues")
	require.Equal(t, http.StatusOK, rec.Code)
	var queues []broker.QueueInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&queues))
	require.Len(t, queues, 1)
	assert.Equal(t, "east", queues[0].Name)
	assert.Equal(t, 1, queues[0].Depth)

	rec = get(t, s, "/exchanges")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []exchange.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, exchange.Direct, infos[0].Mode)
	assert.Equal(t, []exchange.Binding{{Queue: "east", Key: "e"}}, infos[0].Bindings)

	rec = get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap broker.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, uint64(1), snap.Published)
	assert.Equal(t, uint64(1), snap.Committed)
}

func TestAdminWithoutBroker(t *testing.T) {
	s := New(Config{}, nil, nil)
	for _, path := range []string{"/stats", "/queues", "/exchanges"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, s, path).Code, path)
	}
}

func TestListenAndShutdown(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, newTestBroker(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
}
