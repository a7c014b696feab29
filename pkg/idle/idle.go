// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package idle closes connections that stop sending data.
//
// Every Guard runs a watchdog timer that fires once the peer sent nothing
// for the timeout. The clock keeps running while nobody reads, so a
// connection whose reader is suspended by backpressure is closed as well.
// The timer is stopped when the guard closes.
package idle

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	merrors "github.com/absmach/mecho/pkg/errors"
)

var _ net.Conn = (*Guard)(nil)

// Guard wraps a connection with an inactivity watchdog on its read path.
type Guard struct {
	net.Conn

	timeout      time.Duration
	lastActivity atomic.Int64
	draining     atomic.Bool
	expired      atomic.Bool

	mu       sync.Mutex
	watchdog *time.Timer
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn and starts the watchdog. A non-positive timeout disables it.
func New(conn net.Conn, timeout time.Duration) *Guard {
	g := &Guard{
		Conn:    conn,
		timeout: timeout,
	}
	g.touch()
	if timeout > 0 {
		g.mu.Lock()
		g.watchdog = time.AfterFunc(timeout, g.check)
		g.mu.Unlock()
	}
	return g
}

// Read reads from the connection. Once the watchdog expired, the connection
// is closed and errors match errors.ErrIdleTimeout. A zero-byte read never
// counts as activity.
func (g *Guard) Read(p []byte) (int, error) {
	if g.draining.Load() {
		return 0, io.EOF
	}

	n, err := g.Conn.Read(p)
	if n > 0 {
		g.touch()
	}
	if err == nil {
		return n, nil
	}
	if g.expired.Load() {
		return n, merrors.WrapKind(merrors.ErrIdleTimeout, err)
	}

	var netErr net.Error
	if g.draining.Load() && errors.As(err, &netErr) && netErr.Timeout() {
		return n, io.EOF
	}
	return n, err
}

// Write writes to the connection. Writes failing because the watchdog
// closed the connection match errors.ErrIdleTimeout.
func (g *Guard) Write(p []byte) (int, error) {
	n, err := g.Conn.Write(p)
	if err != nil && g.expired.Load() {
		return n, merrors.WrapKind(merrors.ErrIdleTimeout, err)
	}
	return n, err
}

// Expired reports whether the watchdog closed the connection.
func (g *Guard) Expired() bool {
	return g.expired.Load()
}

// check runs on the watchdog timer. It re-arms itself for the remaining
// time when data arrived since it was set.
func (g *Guard) check() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if left := g.timeout - time.Since(g.LastActivity()); left > 0 {
		g.watchdog.Reset(left)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.expired.Store(true)
	g.Close()
}

// Drain stops the read path: a pending Read returns io.EOF right away and
// later reads do the same. Writes are unaffected so queued data can still
// be flushed.
func (g *Guard) Drain() error {
	g.draining.Store(true)
	return g.Conn.SetReadDeadline(time.Now())
}

// Close stops the watchdog and closes the underlying connection once.
func (g *Guard) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		if g.watchdog != nil {
			g.watchdog.Stop()
		}
		g.mu.Unlock()

		g.closeErr = g.Conn.Close()
	})
	return g.closeErr
}

// LastActivity returns the time of the last non-empty read.
func (g *Guard) LastActivity() time.Time {
	return time.Unix(0, g.lastActivity.Load())
}

// Timeout returns the configured idle timeout.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

func (g *Guard) touch() {
	g.lastActivity.Store(time.Now().UnixNano())
}
