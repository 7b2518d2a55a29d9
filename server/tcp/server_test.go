// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubListener struct {
	conns  chan net.Conn
	closed chan struct{}
	addr   net.Addr
}

func newStubListener() *stubListener {
	return &stubListener{
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
		addr:   stubAddr("in-memory"),
	}
}

func (l *stubListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case conn, ok := <-l.conns:
		if !ok {
			return nil, net.ErrClosed
		}
		return conn, nil
	}
}

func (l *stubListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
		close(l.conns)
		return nil
	}
}

func (l *stubListener) Addr() net.Addr { return l.addr }

func (l *stubListener) push(conn net.Conn) error {
	select {
	case <-l.closed:
		return net.ErrClosed
	default:
		l.conns <- conn
		return nil
	}
}

type stubAddr string

func (a stubAddr) Network() string { return "stub" }
func (a stubAddr) String() string  { return string(a) }

type trackingConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackingConn) Close() error {
	c.closed.Store(true)
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

// echoHandler copies every byte back until the connection ends.
type echoHandler struct {
	handled atomic.Int32
}

func (h *echoHandler) HandleConnection(conn net.Conn) {
	h.handled.Add(1)
	io.Copy(conn, conn)
}

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func startStub(t *testing.T, cfg Config, h Handler) (*Server, *stubListener, func() error) {
	t.Helper()
	server := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	connCtx, connCancel := context.WithCancel(context.Background())
	listener := newStubListener()

	server.mu.Lock()
	server.listener = listener
	server.mu.Unlock()

	acceptDone := server.runAcceptLoop(ctx, connCtx, listener)
	return server, listener, func() error {
		cancel()
		return server.gracefulShutdown(listener, acceptDone, connCancel)
	}
}

func TestServerStartStop(t *testing.T) {
	_, _, stop := startStub(t, Config{ShutdownTimeout: time.Second}, &echoHandler{})
	assert.NoError(t, stop())
}

func TestShutdownDrainsConnections(t *testing.T) {
	h := &echoHandler{}
	_, listener, stop := startStub(t, Config{ShutdownTimeout: 5 * time.Second}, h)

	serverConn, clientConn := net.Pipe()
	require.NoError(t, listener.push(serverConn))

	_, err := clientConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	clientConn.Close()

	assert.NoError(t, stop())
	assert.Equal(t, int32(1), h.handled.Load())
}

func TestShutdownTimeoutForcesClose(t *testing.T) {
	h := &echoHandler{}
	_, listener, stop := startStub(t, Config{ShutdownTimeout: 50 * time.Millisecond}, h)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	conn := &trackingConn{Conn: serverConn}
	require.NoError(t, listener.push(conn))

	// The client never closes, so only the forced close ends the handler.
	require.Eventually(t, func() bool {
		return h.handled.Load() == 1
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, stop(), ErrShutdownTimeout)
	assert.True(t, conn.closed.Load())
}

func TestConnectionLimit(t *testing.T) {
	server := New(Config{MaxConnections: 1, ShutdownTimeout: time.Second}, &echoHandler{})

	s1, c1 := net.Pipe()
	defer c1.Close()
	require.Empty(t, server.admit(s1), "expected first connection to be admitted")

	s2, c2 := net.Pipe()
	defer c2.Close()
	assert.Equal(t, "connection limit reached", server.admit(s2))

	server.releaseSlot()
	assert.Empty(t, server.admit(s2), "expected a freed slot to be reused")
	server.releaseSlot()
}

func TestLimiterRejectsConnection(t *testing.T) {
	h := &echoHandler{}
	server, listener, stop := startStub(t, Config{Limiter: denyAll{}, ShutdownTimeout: time.Second}, h)

	serverConn, clientConn := net.Pipe()
	conn := &trackingConn{Conn: serverConn}
	require.NoError(t, listener.push(conn))

	require.Eventually(t, conn.closed.Load, time.Second, 5*time.Millisecond)
	clientConn.Close()
	require.NoError(t, stop())
	assert.Equal(t, int32(0), h.handled.Load())

	accepted, rejected := server.Stats()
	assert.Zero(t, accepted)
	assert.Equal(t, uint64(1), rejected)
}

func TestConcurrentConnections(t *testing.T) {
	h := &echoHandler{}
	server, listener, stop := startStub(t, Config{ShutdownTimeout: 2 * time.Second}, h)

	const numConns = 20
	var wg sync.WaitGroup
	wg.Add(numConns)
	for i := 0; i < numConns; i++ {
		go func() {
			defer wg.Done()
			serverConn, clientConn := net.Pipe()
			if err := listener.push(serverConn); err != nil {
				return
			}
			clientConn.Close()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return h.handled.Load() == numConns
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, stop())

	accepted, _ := server.Stats()
	assert.Equal(t, uint64(numConns), accepted)
}

func TestDefaultConfigApplied(t *testing.T) {
	server := New(Config{}, &echoHandler{})

	assert.NotZero(t, server.config.ShutdownTimeout)
	assert.NotZero(t, server.config.TCPKeepAlive)
	assert.NotNil(t, server.config.Logger)
	assert.Nil(t, server.connSem)
	assert.Nil(t, server.Addr())
}

func TestListenTCP(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &echoHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()
	<-server.Ready()

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
	conn.Close()

	cancel()
	assert.NoError(t, <-errCh)
}

func TestListenTLS(t *testing.T) {
	cert, pool := selfSignedCert(t)
	server := New(Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       &tls.Config{Certificates: []tls.Certificate{cert}},
		ShutdownTimeout: time.Second,
	}, &echoHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()
	<-server.Ready()

	conn, err := tls.Dial("tcp", server.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "localhost"})
	require.NoError(t, err)
	_, err = conn.Write([]byte("secure"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(buf))
	conn.Close()

	cancel()
	assert.NoError(t, <-errCh)
}

func TestListenInvalidAddress(t *testing.T) {
	server := New(Config{Address: "256.0.0.1:bad"}, &echoHandler{})
	assert.Error(t, server.Listen(context.Background()))
}

func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}
