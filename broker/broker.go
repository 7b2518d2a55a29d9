// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/minimq/broker/events"
	"github.com/absmach/minimq/broker/webhook"
	"github.com/absmach/minimq/exchange"
	"github.com/absmach/minimq/ratelimit"
	"github.com/absmach/minimq/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

// Config holds broker tuning options.
type Config struct {
	ID                string
	BatchSize         int
	BatchLinger       time.Duration
	MaxPendingBatches int
	MaxFieldSize      uint32

	IdleTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	FairnessWindow time.Duration
	OutboundBuffer int
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		ID:                "minimq-1",
		BatchSize:         DefaultBatchSize,
		BatchLinger:       time.Second,
		MaxPendingBatches: 64,
		MaxFieldSize:      1 << 20,
		IdleTimeout:       5 * time.Minute,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		FairnessWindow:    DefaultFairnessWindow,
		OutboundBuffer:    64,
	}
}

// Broker owns the queue store, the exchange registry, the batch accumulator
// and the consumer groups shared by every connection.
type Broker struct {
	cfg       Config
	store     storage.QueueStore
	registry  *exchange.Registry
	router    *Router
	batches   *Accumulator
	consumers *consumerGroups

	connections sync.Map // connection id -> *Connection

	limiter  *ratelimit.Manager // nil if rate limiting disabled
	notifier webhook.Notifier   // nil if webhooks disabled
	metrics  *Metrics           // nil if OTel disabled
	tracer   trace.Tracer       // nil if tracing disabled
	stats    *Stats
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a broker over the given store.
func New(cfg Config, store storage.QueueStore, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = def.OutboundBuffer
	}
	if cfg.MaxPendingBatches <= 0 {
		cfg.MaxPendingBatches = def.MaxPendingBatches
	}

	registry := exchange.NewRegistry()
	b := &Broker{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		router:    NewRouter(registry, store),
		consumers: newConsumerGroups(cfg.FairnessWindow),
		stats:     NewStats(),
		logger:    logger,
	}
	b.batches = NewAccumulator(cfg.BatchSize, cfg.MaxPendingBatches, cfg.BatchLinger, b.commitBatch)
	return b
}

// SetMetrics sets the OTel metrics instance.
func (b *Broker) SetMetrics(m *Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// SetTracer sets the tracer used for batch commit spans.
func (b *Broker) SetTracer(t trace.Tracer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracer = t
}

// SetNotifier sets the webhook notifier.
func (b *Broker) SetNotifier(n webhook.Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

// SetRateLimiter sets the per-connection rate limiter.
func (b *Broker) SetRateLimiter(m *ratelimit.Manager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiter = m
}

func (b *Broker) getMetrics() *Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

func (b *Broker) getTracer() trace.Tracer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tracer
}

func (b *Broker) getLimiter() *ratelimit.Manager {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.limiter
}

func (b *Broker) notify(ev events.Event) {
	b.mu.RLock()
	n := b.notifier
	b.mu.RUnlock()
	if n == nil {
		return
	}
	if err := n.Notify(context.Background(), ev); err != nil {
		b.logger.Debug("webhook notify failed", "event", ev.Type(), "error", err)
	}
}

// GetStats returns the broker's stats.
func (b *Broker) GetStats() *Stats {
	return b.stats
}

// Ready reports whether the broker accepts work.
func (b *Broker) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Declare declares an exchange. Redeclaring with the same mode succeeds.
func (b *Broker) Declare(name string, mode exchange.Mode) error {
	_, err := b.declare(name, mode, "")
	return err
}

func (b *Broker) declare(name string, mode exchange.Mode, remote string) (bool, error) {
	created, err := b.registry.Declare(name, mode)
	if err != nil {
		return false, err
	}
	if created {
		b.logger.Info("exchange declared", "exchange", name, "mode", mode.String())
		b.notify(events.ExchangeDeclared{Exchange: name, Mode: mode.String(), RemoteAddr: remote})
	}
	return created, nil
}

// Bind binds queue to the exchange with the routing key, creating the queue
// if it does not exist.
func (b *Broker) Bind(exchangeName, queue, key string) error {
	if queue == "" {
		return &exchange.ConfigError{Exchange: exchangeName, Message: "queue", Err: exchange.ErrInvalidName}
	}
	if err := b.store.Ensure(queue); err != nil {
		return err
	}
	added, err := b.registry.Bind(exchangeName, queue, key)
	if err != nil {
		return err
	}
	if added {
		b.logger.Info("binding created", "exchange", exchangeName, "queue", queue, "routing_key", key)
		b.notify(events.BindingCreated{Exchange: exchangeName, QueueName: queue, RoutingKey: key})
	}
	return nil
}

// Unbind removes a binding.
func (b *Broker) Unbind(exchangeName, queue, key string) error {
	_, err := b.registry.Unbind(exchangeName, queue, key)
	return err
}

// Publish hands p to the batch accumulator. It returns once the payload is
// part of a batch; visibility follows when that batch commits.
func (b *Broker) Publish(p Pending) error {
	if err := b.batches.Publish(p); err != nil {
		return ErrBrokerClosed
	}
	b.stats.IncrementPublished()
	if m := b.getMetrics(); m != nil {
		m.RecordPublish(int64(len(p.Payload)))
	}
	return nil
}

// Flush commits the open batch. The channel yields the result once every
// payload of the batch is visible.
func (b *Broker) Flush() <-chan BatchResult {
	return b.batches.Flush()
}

// Receive pops one payload from queue on behalf of the consumer registered by
// connID, honouring the fairness rotation of the queue's consumer group.
func (b *Broker) Receive(queue, connID string) (string, PollResult, error) {
	payload, res, err := b.consumers.poll(queue, connID, func() (string, bool, error) {
		return b.store.Pop(queue)
	})
	if err != nil {
		return "", res, err
	}
	switch res {
	case PollDelivered:
		b.stats.IncrementDelivered()
	default:
		b.stats.IncrementEmptyPolls()
	}
	if m := b.getMetrics(); m != nil {
		m.RecordPoll(res.String())
	}
	return payload, res, nil
}

// RegisterConsumer adds a consumer of queue, creating the queue if absent.
// added is false if the connection already consumes queue.
func (b *Broker) RegisterConsumer(r Registration) (added bool, err error) {
	if r.Queue == "" {
		return false, storage.ErrInvalidQueue
	}
	if err := b.store.Ensure(r.Queue); err != nil {
		return false, err
	}
	if !b.consumers.register(r) {
		return false, nil
	}
	b.stats.IncrementConsumers()
	if m := b.getMetrics(); m != nil {
		m.RecordConsumerAdded()
	}
	return true, nil
}

// UnregisterConsumers removes every consumer registration of a connection.
func (b *Broker) UnregisterConsumers(connID string) []Registration {
	regs := b.consumers.unregister(connID)
	m := b.getMetrics()
	for range regs {
		b.stats.DecrementConsumers()
		if m != nil {
			m.RecordConsumerRemoved()
		}
	}
	return regs
}

// QueueInfo describes a queue for the admin API.
type QueueInfo struct {
	storage.QueueInfo
	Consumers int `json:"consumers"`
}

// Queues returns a snapshot of every queue.
func (b *Broker) Queues() ([]QueueInfo, error) {
	qs, err := b.store.Queues()
	if err != nil {
		return nil, err
	}
	infos := make([]QueueInfo, len(qs))
	for i, q := range qs {
		infos[i] = QueueInfo{QueueInfo: q, Consumers: b.consumers.count(q.Name)}
	}
	return infos, nil
}

// Exchanges returns a snapshot of every exchange.
func (b *Broker) Exchanges() []exchange.Info {
	return b.registry.Exchanges()
}

// HandleConnection serves one client connection until it ends.
func (b *Broker) HandleConnection(conn net.Conn) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	// Registered under mu so a concurrent Close always finds it.
	c := newConnection(b, conn)
	b.registerConnection(c)
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	if err := c.run(); err != nil {
		b.logger.Debug("connection ended", "remote", conn.RemoteAddr(), "error", err)
	}
}

func (b *Broker) registerConnection(c *Connection) {
	b.connections.Store(c.id, c)
}

func (b *Broker) unregisterConnection(c *Connection) {
	b.connections.Delete(c.id)
}

// commitBatch is the accumulator's commit step.
func (b *Broker) commitBatch(ctx context.Context, batch []Pending) BatchResult {
	var span trace.Span
	if t := b.getTracer(); t != nil {
		ctx, span = t.Start(ctx, "batch.commit", trace.WithAttributes(
			attribute.Int("batch.size", len(batch)),
		))
		defer span.End()
	}

	start := time.Now()
	res := b.router.Commit(ctx, batch)
	elapsed := time.Since(start)

	b.stats.IncrementBatches()
	b.stats.AddCommitted(uint64(res.Deliveries))
	b.stats.AddDropped(uint64(len(res.Dropped)))

	for _, d := range res.Dropped {
		b.logger.Warn("payload dropped",
			"exchange", d.Pending.Exchange,
			"routing_key", d.Pending.RoutingKey,
			"error", d.Err)
		b.notify(events.PayloadDropped{
			Exchange:     d.Pending.Exchange,
			RoutingKey:   d.Pending.RoutingKey,
			Reason:       d.Err.Error(),
			ConnectionID: d.Pending.Source,
			PayloadSize:  len(d.Pending.Payload),
		})
	}

	if res.Err != nil {
		b.logger.Error("batch commit failed", "size", len(batch), "error", res.Err)
		if m := b.getMetrics(); m != nil {
			m.RecordError("commit")
		}
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("batch.deliveries", res.Deliveries),
			attribute.Int("batch.dropped", len(res.Dropped)),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}

	if m := b.getMetrics(); m != nil {
		m.RecordBatch(len(batch), res.Deliveries, len(res.Dropped), elapsed)
	}
	return res
}

// Close stops accepting connections, interrupts the live ones, waits for
// their handlers to return and commits every pending batch.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.connections.Range(func(_, val any) bool {
		val.(*Connection).shutdown()
		return true
	})
	b.wg.Wait()
	b.batches.Close()
}
