// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ConnRateLimiter limits publish and poll frames per broker connection.
type ConnRateLimiter struct {
	mu           sync.Mutex
	publish      map[string]*rate.Limiter
	poll         map[string]*rate.Limiter
	publishRate  rate.Limit
	publishBurst int
	pollRate     rate.Limit
	pollBurst    int
}

// NewConnRateLimiter creates a per-connection limiter.
func NewConnRateLimiter(publishRate float64, publishBurst int, pollRate float64, pollBurst int) *ConnRateLimiter {
	return &ConnRateLimiter{
		publish:      make(map[string]*rate.Limiter),
		poll:         make(map[string]*rate.Limiter),
		publishRate:  rate.Limit(publishRate),
		publishBurst: publishBurst,
		pollRate:     rate.Limit(pollRate),
		pollBurst:    pollBurst,
	}
}

func (l *ConnRateLimiter) limiter(m map[string]*rate.Limiter, id string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := m[id]
	if !ok {
		lim = rate.NewLimiter(r, burst)
		m[id] = lim
	}
	return lim
}

// AllowPublish reports whether the connection may publish another payload.
func (l *ConnRateLimiter) AllowPublish(connID string) bool {
	return l.limiter(l.publish, connID, l.publishRate, l.publishBurst).Allow()
}

// AllowPoll reports whether the connection may poll again.
func (l *ConnRateLimiter) AllowPoll(connID string) bool {
	return l.limiter(l.poll, connID, l.pollRate, l.pollBurst).Allow()
}

// Remove drops the limiters of a closed connection.
func (l *ConnRateLimiter) Remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.publish, connID)
	delete(l.poll, connID)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    FrameConfig      `yaml:"publish"`
	Poll       FrameConfig      `yaml:"poll"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // connections per second per IP
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// FrameConfig holds per-connection frame rate settings.
type FrameConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // frames per second per connection
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the default rate limiting configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: FrameConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Poll: FrameConfig{
			Enabled: true,
			Rate:    50,
			Burst:   10,
		},
	}
}

// Manager coordinates all rate limiters. A nil *Manager allows everything.
type Manager struct {
	config Config
	ip     *IPRateLimiter
	conn   *ConnRateLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Poll.Enabled {
		m.conn = NewConnRateLimiter(cfg.Publish.Rate, cfg.Publish.Burst, cfg.Poll.Rate, cfg.Poll.Burst)
	}
	return m
}

// Allow reports whether a new connection from addr is allowed. It satisfies
// the limiter interface of the TCP and WebSocket servers.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish reports whether the connection may publish.
func (m *Manager) AllowPublish(connID string) bool {
	if m == nil || m.conn == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.conn.AllowPublish(connID)
}

// AllowPoll reports whether the connection may poll.
func (m *Manager) AllowPoll(connID string) bool {
	if m == nil || m.conn == nil || !m.config.Poll.Enabled {
		return true
	}
	return m.conn.AllowPoll(connID)
}

// OnDisconnect drops the per-connection limiters.
func (m *Manager) OnDisconnect(connID string) {
	if m == nil || m.conn == nil {
		return
	}
	m.conn.Remove(connID)
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
