// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/minimq/broker/events"
	"github.com/absmach/minimq/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu          sync.Mutex
	sendCount   atomic.Int32
	sendFunc    func(ctx context.Context, url string) error
	lastURL     string
	lastHeaders map[string]string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, _ time.Duration) error {
	m.sendCount.Add(1)
	m.mu.Lock()
	m.lastURL = url
	m.lastHeaders = headers
	m.lastPayload = payload
	m.mu.Unlock()
	return m.sendFunc(ctx, url)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: 2 * time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func TestNewNotifier(t *testing.T) {
	cfg := testConfig(config.WebhookEndpoint{
		Name:    "test-endpoint",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})

	n, err := NewNotifier(cfg, "broker-1", newMockSender(), testLogger())
	require.NoError(t, err)
	defer n.Close()

	assert.Len(t, n.endpoints, 1)
	assert.Contains(t, n.breakers, "test-endpoint")
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "broker-1", nil, nil)
	assert.Error(t, err)
}

func TestNotify_Success(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name:    "test",
		URL:     "http://example.com/hook",
		Headers: map[string]string{"X-Key": "v"},
	})
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	err = n.Notify(context.Background(), events.ConsumerConnected{ConsumerID: "worker-1", QueueName: "jobs"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.sendCount.Load() == 1 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "http://example.com/hook", sender.lastURL)
	assert.Equal(t, "v", sender.lastHeaders["X-Key"])

	var env events.Envelope
	require.NoError(t, json.Unmarshal(sender.lastPayload, &env))
	assert.Equal(t, events.TypeConsumerConnected, env.EventType)
	assert.Equal(t, "broker-1", env.BrokerID)
	assert.NotEmpty(t, env.EventID)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "jobs", data["queue"])
}

func TestNotify_Filters(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name:   "filtered",
		URL:    "http://example.com/hook",
		Events: []string{events.TypeConsumerConnected, events.TypePayloadDropped},
		Queues: []string{"jobs"},
	})
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	// Filtered by queue, then by type.
	require.NoError(t, n.Notify(ctx, events.ConsumerConnected{QueueName: "other"}))
	require.NoError(t, n.Notify(ctx, events.ExchangeDeclared{Exchange: "orders"}))
	// Delivered; payload.dropped is not queue scoped.
	require.NoError(t, n.Notify(ctx, events.ConsumerConnected{QueueName: "jobs"}))
	require.NoError(t, n.Notify(ctx, events.PayloadDropped{Exchange: "missing"}))

	require.Eventually(t, func() bool { return sender.sendCount.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), sender.sendCount.Load())
}

func TestNotify_Retry(t *testing.T) {
	sender := newMockSender()
	var calls atomic.Int32
	sender.sendFunc = func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("unavailable")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "flaky", URL: "http://example.com"})
	cfg.Defaults.Retry.MaxAttempts = 3
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ExchangeDeclared{Exchange: "orders"}))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestNotify_CircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string) error { return errors.New("down") }

	cfg := testConfig(config.WebhookEndpoint{Name: "down", URL: "http://example.com"})
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	cfg.Defaults.CircuitBreaker.ResetTimeout = time.Minute
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	for range 5 {
		require.NoError(t, n.Notify(context.Background(), events.ExchangeDeclared{Exchange: "orders"}))
	}
	require.Eventually(t, func() bool { return len(n.eventQueue) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(2), sender.sendCount.Load(), "breaker must stop calls after the threshold")
}

func TestNotify_DropNewest(t *testing.T) {
	block := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, _ string) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "slow", URL: "http://example.com"})
	cfg.Workers = 1
	cfg.QueueSize = 1
	cfg.DropPolicy = "newest"
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, events.ExchangeDeclared{Exchange: "a"}))
	require.Eventually(t, func() bool { return sender.sendCount.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, n.Notify(ctx, events.ExchangeDeclared{Exchange: "b"}))
	require.NoError(t, n.Notify(ctx, events.ExchangeDeclared{Exchange: "c"}))

	assert.Equal(t, uint64(1), n.Dropped())
	close(block)
	require.NoError(t, n.Close())
}

func TestNotify_AfterClose(t *testing.T) {
	n, err := NewNotifier(testConfig(), "broker-1", newMockSender(), testLogger())
	require.NoError(t, err)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	err = n.Notify(context.Background(), events.ExchangeDeclared{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
	assert.Equal(t, 100*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 200*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, 400*time.Millisecond, retryDelay(3, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}
