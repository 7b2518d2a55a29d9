// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	publishedTotal      metric.Int64Counter
	committedTotal      metric.Int64Counter
	droppedTotal        metric.Int64Counter
	pollsTotal          metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	errorsTotal         metric.Int64Counter

	connectionsCurrent metric.Int64UpDownCounter
	consumersCurrent   metric.Int64UpDownCounter

	payloadSize    metric.Int64Histogram
	batchSize      metric.Int64Histogram
	commitDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("minimq-broker"),
	}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"minimq.connections.total",
		metric.WithDescription("Total number of client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"minimq.disconnections.total",
		metric.WithDescription("Total number of client disconnections by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.publishedTotal, err = m.meter.Int64Counter(
		"minimq.payloads.published.total",
		metric.WithDescription("Total payloads accepted from producers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishedTotal counter: %w", err)
	}

	m.committedTotal, err = m.meter.Int64Counter(
		"minimq.deliveries.committed.total",
		metric.WithDescription("Total queue deliveries made visible by batch commits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create committedTotal counter: %w", err)
	}

	m.droppedTotal, err = m.meter.Int64Counter(
		"minimq.payloads.dropped.total",
		metric.WithDescription("Total payloads that matched no queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create droppedTotal counter: %w", err)
	}

	m.pollsTotal, err = m.meter.Int64Counter(
		"minimq.polls.total",
		metric.WithDescription("Total consumer polls by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pollsTotal counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"minimq.bytes.received.total",
		metric.WithDescription("Total bytes received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"minimq.bytes.sent.total",
		metric.WithDescription("Total bytes sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"minimq.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"minimq.connections.current",
		metric.WithDescription("Current number of active connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.consumersCurrent, err = m.meter.Int64UpDownCounter(
		"minimq.consumers.current",
		metric.WithDescription("Current number of registered consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersCurrent gauge: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"minimq.payload.size.bytes",
		metric.WithDescription("Published payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"minimq.batch.size",
		metric.WithDescription("Number of payloads per committed batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	m.commitDuration, err = m.meter.Float64Histogram(
		"minimq.batch.commit.duration",
		metric.WithDescription("Batch commit latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commitDuration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) RecordPublish(sizeBytes int64) {
	ctx := context.Background()
	m.publishedTotal.Add(ctx, 1)
	m.bytesReceived.Add(ctx, sizeBytes)
	m.payloadSize.Record(ctx, sizeBytes)
}

func (m *Metrics) RecordBatch(size, committed, dropped int, duration time.Duration) {
	ctx := context.Background()
	m.batchSize.Record(ctx, int64(size))
	m.committedTotal.Add(ctx, int64(committed))
	if dropped > 0 {
		m.droppedTotal.Add(ctx, int64(dropped))
	}
	m.commitDuration.Record(ctx, float64(duration.Microseconds())/1000.0)
}

// RecordThrottledPublish counts a publish refused by the rate limiter as
// dropped.
func (m *Metrics) RecordThrottledPublish() {
	m.droppedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", "rate_limited"),
	))
}

func (m *Metrics) RecordPoll(result string) {
	m.pollsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordBytesSent(n int64) {
	m.bytesSent.Add(context.Background(), n)
}

func (m *Metrics) RecordConsumerAdded() {
	m.consumersCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordConsumerRemoved() {
	m.consumersCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
