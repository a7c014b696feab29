// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mecho/pkg/buffer"
	merrors "github.com/absmach/mecho/pkg/errors"
	"github.com/absmach/mecho/pkg/handler"
	"github.com/absmach/mecho/pkg/metrics"
	"github.com/absmach/mecho/pkg/relay"
	"github.com/absmach/mecho/pkg/secure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type served struct {
	conn *Connection
	err  error
}

type recorder struct {
	handler.NoopHandler

	mu          sync.Mutex
	connects    int
	disconnects []error
	data        map[relay.Direction]int
	connectErr  error
}

func (r *recorder) OnConnect(ctx context.Context, hctx *handler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	return r.connectErr
}

func (r *recorder) OnData(ctx context.Context, hctx *handler.Context, dir relay.Direction, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		r.data = map[relay.Direction]int{}
	}
	r.data[dir] += len(payload)
}

func (r *recorder) OnDisconnect(ctx context.Context, hctx *handler.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// serveOne accepts a single connection on a loopback listener and serves it.
func serveOne(t *testing.T, ctx context.Context, p *Pipeline) (string, <-chan *Connection, <-chan served) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *Connection, 1)
	done := make(chan served, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			done <- served{err: err}
			return
		}
		c := p.Accept(raw)
		accepted <- c
		done <- served{conn: c, err: p.Serve(ctx, c)}
	}()

	return ln.Addr().String(), accepted, done
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echo(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)

	got := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func waitServed(t *testing.T, done <-chan served) served {
	t.Helper()
	select {
	case s := <-done:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed in time")
		return served{}
	}
}

func TestServe_EchoAndPeerClose(t *testing.T) {
	pool := buffer.NewPool(64)
	rec := &recorder{}
	p := New(Options{IdleTimeout: time.Second, Pool: pool, Handler: rec, Logger: testLogger()})
	addr, _, done := serveOne(t, context.Background(), p)

	conn := dial(t, addr)
	echo(t, conn, "hello")
	echo(t, conn, "world")
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	s := waitServed(t, done)
	require.NoError(t, s.err)
	assert.Equal(t, StateClosed, s.conn.State())
	assert.Equal(t, secure.StateDisabled, s.conn.TLSState())
	assert.True(t, s.conn.Closed())
	assert.Zero(t, pool.Outstanding())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.connects)
	assert.Equal(t, []error{nil}, rec.disconnects)
	assert.Equal(t, 10, rec.data[relay.Inbound])
	assert.Equal(t, 10, rec.data[relay.Outbound])
}

func TestServe_IdleTimeout(t *testing.T) {
	pool := buffer.NewPool(64)
	p := New(Options{IdleTimeout: 150 * time.Millisecond, Pool: pool, Logger: testLogger()})
	addr, _, done := serveOne(t, context.Background(), p)

	conn := dial(t, addr)
	echo(t, conn, "hello")

	s := waitServed(t, done)
	require.Error(t, s.err)
	assert.True(t, errors.Is(s.err, merrors.ErrIdleTimeout))
	assert.Equal(t, "idle_timeout", merrors.Kind(s.err))
	assert.Zero(t, pool.Outstanding())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServe_ActivityKeepsConnectionOpen(t *testing.T) {
	p := New(Options{IdleTimeout: 150 * time.Millisecond, Logger: testLogger()})
	addr, _, done := serveOne(t, context.Background(), p)

	conn := dial(t, addr)
	for i := 0; i < 6; i++ {
		echo(t, conn, "ping")
		time.Sleep(75 * time.Millisecond)
	}

	select {
	case s := <-done:
		t.Fatalf("connection closed while active: %v", s.err)
	default:
	}
}

func TestServe_TLS(t *testing.T) {
	cert, err := secure.SelfSigned()
	require.NoError(t, err)
	neg := secure.NewNegotiator(cert, time.Second)

	t.Run("tls client echoes", func(t *testing.T) {
		p := New(Options{Negotiator: neg, IdleTimeout: time.Second, Logger: testLogger()})
		assert.Equal(t, "tls", p.Protocol())
		addr, _, done := serveOne(t, context.Background(), p)

		roots := x509.NewCertPool()
		roots.AddCert(cert.Leaf)
		conn, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: roots, ServerName: "localhost"})
		require.NoError(t, err)
		echo(t, conn, "secret hello")
		conn.Close()

		s := waitServed(t, done)
		assert.Equal(t, secure.StateEstablished, s.conn.TLSState())
		assert.NotZero(t, s.conn.Context().TLSVersion)
	})

	t.Run("plaintext client fails handshake", func(t *testing.T) {
		rec := &recorder{}
		p := New(Options{Negotiator: neg, IdleTimeout: time.Second, Handler: rec, Logger: testLogger()})
		addr, _, done := serveOne(t, context.Background(), p)

		conn := dial(t, addr)
		_, err := conn.Write([]byte("hello"))
		require.NoError(t, err)

		s := waitServed(t, done)
		assert.True(t, errors.Is(s.err, merrors.ErrHandshake))
		assert.Equal(t, secure.StateFailed, s.conn.TLSState())

		// No echoed bytes reach the client; the connection just ends.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		got, _ := io.ReadAll(conn)
		assert.NotContains(t, string(got), "hello")

		rec.mu.Lock()
		defer rec.mu.Unlock()
		assert.Zero(t, rec.data[relay.Outbound])
		require.Len(t, rec.disconnects, 1)
		assert.ErrorIs(t, rec.disconnects[0], merrors.ErrHandshake)
	})
}

func TestServe_HandlerRejects(t *testing.T) {
	rec := &recorder{connectErr: errors.New("not today")}
	p := New(Options{IdleTimeout: time.Second, Handler: rec, Logger: testLogger()})
	addr, _, done := serveOne(t, context.Background(), p)

	dial(t, addr)
	s := waitServed(t, done)
	assert.ErrorIs(t, s.err, merrors.ErrRejected)
	assert.Equal(t, StateClosed, s.conn.State())
}

func TestServe_DrainFlushesAndCloses(t *testing.T) {
	pool := buffer.NewPool(64)
	p := New(Options{IdleTimeout: 10 * time.Second, Pool: pool, Logger: testLogger()})
	addr, accepted, done := serveOne(t, context.Background(), p)

	conn := dial(t, addr)
	echo(t, conn, "before drain")

	c := <-accepted
	c.Drain()

	s := waitServed(t, done)
	assert.NoError(t, s.err)
	assert.Zero(t, pool.Outstanding())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServe_ContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Options{IdleTimeout: 10 * time.Second, Logger: testLogger()})
	addr, _, done := serveOne(t, ctx, p)

	conn := dial(t, addr)
	echo(t, conn, "x")
	cancel()

	s := waitServed(t, done)
	assert.Equal(t, "shutdown", merrors.Kind(s.err))
}

func TestServe_ConnectionsAreIsolated(t *testing.T) {
	pool := buffer.NewPool(64)
	p := New(Options{IdleTimeout: 200 * time.Millisecond, Pool: pool, Logger: testLogger()})

	quietAddr, _, quietDone := serveOne(t, context.Background(), p)
	busyAddr, _, busyDone := serveOne(t, context.Background(), p)

	dial(t, quietAddr)
	busy := dial(t, busyAddr)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		echo(t, busy, "still here")
		time.Sleep(50 * time.Millisecond)
	}

	assert.ErrorIs(t, waitServed(t, quietDone).err, merrors.ErrIdleTimeout)
	select {
	case s := <-busyDone:
		t.Fatalf("busy connection closed: %v", s.err)
	default:
	}
	echo(t, busy, "after neighbour timed out")
}

func TestServe_Metrics(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	p := New(Options{IdleTimeout: time.Second, Metrics: m, Logger: testLogger()})
	addr, _, done := serveOne(t, context.Background(), p)

	conn := dial(t, addr)
	echo(t, conn, "count me")
	conn.(*net.TCPConn).CloseWrite()
	require.NoError(t, waitServed(t, done).err)

	assert.Equal(t, 8.0, testutil.ToFloat64(m.BytesReceived.WithLabelValues("tcp")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.BytesEchoed.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TotalConnections.WithLabelValues("tcp", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("tcp")))
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		StateAccepted:    "accepted",
		StateHandshaking: "handshaking",
		StateEstablished: "established",
		StateFailed:      "failed",
		StateRelaying:    "relaying",
		StateClosed:      "closed",
	}
	for s, want := range states {
		assert.Equal(t, want, s.String())
	}
}

func TestServe_IdleTimeoutWhileOutboundStalled(t *testing.T) {
	pool := buffer.NewPool(4096)
	p := New(Options{
		IdleTimeout: 200 * time.Millisecond,
		Relay:       relay.Config{Policy: relay.PolicySuspend, QueueSize: 4},
		Pool:        pool,
		Logger:      testLogger(),
	})
	addr, _, done := serveOne(t, context.Background(), p)

	// The client floods until its writes block and never reads the echo,
	// so the server stops reading under backpressure.
	conn := dial(t, addr)
	conn.(*net.TCPConn).SetReadBuffer(4096)
	go func() {
		chunk := make([]byte, 64*1024)
		for {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}()

	s := waitServed(t, done)
	assert.ErrorIs(t, s.err, merrors.ErrIdleTimeout)
	assert.Equal(t, "idle_timeout", merrors.Kind(s.err))
	assert.Zero(t, pool.Outstanding())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{nil, "none"},
		{merrors.ErrConnectionClosed, "shutdown"},
		{context.Canceled, "shutdown"},
		{merrors.WrapKind(merrors.ErrIdleTimeout, os.ErrDeadlineExceeded), "idle_timeout"},
		{io.ErrUnexpectedEOF, "io"},
	}
	for _, c := range cases {
		err := classify(c.err)
		assert.Equal(t, c.kind, merrors.Kind(err), "%v", c.err)
	}
	assert.False(t, errors.Is(classify(merrors.ErrConnectionClosed), merrors.ErrIO))
}
