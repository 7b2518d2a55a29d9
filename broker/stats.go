// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics using atomic counters.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64

	published atomic.Uint64 // send frames accepted into a batch
	committed atomic.Uint64 // queue deliveries made visible
	dropped   atomic.Uint64 // payloads that matched no queue
	delivered atomic.Uint64 // payloads popped by consumers
	emptyPoll atomic.Uint64
	throttled atomic.Uint64
	batches   atomic.Uint64

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	consumers      atomic.Uint64
	protocolErrors atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) IncrementPublished()       { s.published.Add(1) }
func (s *Stats) AddCommitted(n uint64)     { s.committed.Add(n) }
func (s *Stats) AddDropped(n uint64)       { s.dropped.Add(n) }
func (s *Stats) IncrementDelivered()       { s.delivered.Add(1) }
func (s *Stats) IncrementEmptyPolls()      { s.emptyPoll.Add(1) }
func (s *Stats) IncrementThrottled()       { s.throttled.Add(1) }
func (s *Stats) IncrementBatches()         { s.batches.Add(1) }
func (s *Stats) AddBytesReceived(n uint64) { s.bytesReceived.Add(n) }
func (s *Stats) AddBytesSent(n uint64)     { s.bytesSent.Add(n) }
func (s *Stats) IncrementConsumers()       { s.consumers.Add(1) }
func (s *Stats) DecrementConsumers()       { s.consumers.Add(^uint64(0)) }
func (s *Stats) IncrementProtocolErrors()  { s.protocolErrors.Add(1) }

func (s *Stats) GetTotalConnections() uint64   { return s.totalConnections.Load() }
func (s *Stats) GetCurrentConnections() uint64 { return s.currentConnections.Load() }
func (s *Stats) GetDisconnections() uint64     { return s.disconnections.Load() }
func (s *Stats) GetPublished() uint64          { return s.published.Load() }
func (s *Stats) GetCommitted() uint64          { return s.committed.Load() }
func (s *Stats) GetDropped() uint64            { return s.dropped.Load() }
func (s *Stats) GetDelivered() uint64          { return s.delivered.Load() }
func (s *Stats) GetEmptyPolls() uint64         { return s.emptyPoll.Load() }
func (s *Stats) GetThrottled() uint64          { return s.throttled.Load() }
func (s *Stats) GetBatches() uint64            { return s.batches.Load() }
func (s *Stats) GetBytesReceived() uint64      { return s.bytesReceived.Load() }
func (s *Stats) GetBytesSent() uint64          { return s.bytesSent.Load() }
func (s *Stats) GetConsumers() uint64          { return s.consumers.Load() }
func (s *Stats) GetProtocolErrors() uint64     { return s.protocolErrors.Load() }
func (s *Stats) GetUptime() time.Duration      { return time.Since(s.startTime) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	TotalConnections   uint64  `json:"total_connections"`
	CurrentConnections uint64  `json:"current_connections"`
	Disconnections     uint64  `json:"disconnections"`
	Published          uint64  `json:"published"`
	Committed          uint64  `json:"committed"`
	Dropped            uint64  `json:"dropped"`
	Delivered          uint64  `json:"delivered"`
	EmptyPolls         uint64  `json:"empty_polls"`
	Throttled          uint64  `json:"throttled"`
	Batches            uint64  `json:"batches"`
	BytesReceived      uint64  `json:"bytes_received"`
	BytesSent          uint64  `json:"bytes_sent"`
	Consumers          uint64  `json:"consumers"`
	ProtocolErrors     uint64  `json:"protocol_errors"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:      s.GetUptime().Seconds(),
		TotalConnections:   s.GetTotalConnections(),
		CurrentConnections: s.GetCurrentConnections(),
		Disconnections:     s.GetDisconnections(),
		Published:          s.GetPublished(),
		Committed:          s.GetCommitted(),
		Dropped:            s.GetDropped(),
		Delivered:          s.GetDelivered(),
		EmptyPolls:         s.GetEmptyPolls(),
		Throttled:          s.GetThrottled(),
		Batches:            s.GetBatches(),
		BytesReceived:      s.GetBytesReceived(),
		BytesSent:          s.GetBytesSent(),
		Consumers:          s.GetConsumers(),
		ProtocolErrors:     s.GetProtocolErrors(),
	}
}
