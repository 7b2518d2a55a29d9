// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"
)

// Default values.
const (
	DefaultAddress        = "127.0.0.1:8080"
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultPollInterval   = 6 * time.Second
	DefaultInitialDelay   = 6 * time.Second
	DefaultMaxInflight    = 64
)

// Dialer opens the stream a client talks over.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Options configures a minimq client.
type Options struct {
	// Connection
	Address        string        // Broker address (host:port, or a URL for custom dialers)
	TLSConfig      *tls.Config   // TLS configuration (nil for plain TCP)
	Dialer         Dialer        // Overrides the TCP/TLS dialer when set
	ConnectTimeout time.Duration // Timeout for connection attempts
	WriteTimeout   time.Duration // Timeout for a single frame write
	RequestTimeout time.Duration // Timeout waiting for a reply frame
	MaxFieldSize   uint32        // Longest accepted inbound field (0 = codec default)
	MaxInflight    int           // Requests awaiting a reply

	// Consumer cadence
	InitialDelay time.Duration // Wait before the first poll
	PollInterval time.Duration // Wait between polls

	// Callbacks
	OnConnectionLost func(error) // Called when the connection ends unexpectedly

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:        DefaultAddress,
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		RequestTimeout: DefaultRequestTimeout,
		MaxInflight:    DefaultMaxInflight,
		InitialDelay:   DefaultInitialDelay,
		PollInterval:   DefaultPollInterval,
	}
}

// SetAddress sets the broker address.
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetTLSConfig sets the TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialer replaces the default TCP dialer.
func (o *Options) SetDialer(d Dialer) *Options {
	o.Dialer = d
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(timeout time.Duration) *Options {
	o.ConnectTimeout = timeout
	return o
}

// SetWriteTimeout sets the write timeout.
func (o *Options) SetWriteTimeout(timeout time.Duration) *Options {
	o.WriteTimeout = timeout
	return o
}

// SetRequestTimeout sets how long a request waits for its reply.
func (o *Options) SetRequestTimeout(timeout time.Duration) *Options {
	o.RequestTimeout = timeout
	return o
}

// SetMaxFieldSize bounds inbound fields.
func (o *Options) SetMaxFieldSize(size uint32) *Options {
	o.MaxFieldSize = size
	return o
}

// SetMaxInflight sets the maximum number of requests awaiting a reply.
func (o *Options) SetMaxInflight(max int) *Options {
	o.MaxInflight = max
	return o
}

// SetInitialDelay sets the wait before a consumer's first poll.
func (o *Options) SetInitialDelay(d time.Duration) *Options {
	o.InitialDelay = d
	return o
}

// SetPollInterval sets the wait between consumer polls.
func (o *Options) SetPollInterval(d time.Duration) *Options {
	o.PollInterval = d
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetLogger sets the client logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.Address == "" {
		return ErrNoAddress
	}
	if o.PollInterval <= 0 {
		return ErrInvalidInterval
	}
	if o.MaxInflight <= 0 {
		return ErrInvalidMaxPending
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	return nil
}
