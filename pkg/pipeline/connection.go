// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mecho/pkg/handler"
	"github.com/absmach/mecho/pkg/idle"
	"github.com/absmach/mecho/pkg/secure"
	"github.com/google/uuid"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateAccepted State = iota
	StateHandshaking
	StateEstablished
	StateFailed
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one accepted peer session. It is driven by a single
// Pipeline.Serve call; Drain and Close may be called from other goroutines.
type Connection struct {
	hctx  *handler.Context
	raw   net.Conn
	state atomic.Int32
	tls   secure.Tracker

	mu       sync.Mutex
	guard    *idle.Guard
	draining bool
	cancel   context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	cause     error
}

func newConnection(raw net.Conn, protocol string) *Connection {
	c := &Connection{
		raw: raw,
		hctx: &handler.Context{
			SessionID:   uuid.New().String(),
			RemoteAddr:  addrString(raw.RemoteAddr()),
			LocalAddr:   addrString(raw.LocalAddr()),
			Protocol:    protocol,
			ConnectedAt: time.Now(),
		},
	}
	c.state.Store(int32(StateAccepted))
	return c
}

// ID returns the session identifier.
func (c *Connection) ID() string {
	return c.hctx.SessionID
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	return c.hctx.RemoteAddr
}

// Context returns the handler context of the connection.
func (c *Connection) Context() *handler.Context {
	return c.hctx
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// TLSState returns the TLS state of the connection.
func (c *Connection) TLSState() secure.State {
	return c.tls.Load()
}

// Closed reports whether the connection has been closed.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// LastActivity returns the time of the last non-empty read, or the accept
// time if nothing was read yet.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	g := c.guard
	c.mu.Unlock()
	if g == nil {
		return c.hctx.ConnectedAt
	}
	return g.LastActivity()
}

// Drain asks the connection to stop reading, flush what it already queued
// and close.
func (c *Connection) Drain() {
	c.mu.Lock()
	c.draining = true
	g := c.guard
	c.mu.Unlock()

	if g != nil {
		g.Drain()
	}
}

// Close closes the connection and cancels every pending operation. Only
// the first call has an effect; its cause is kept.
func (c *Connection) Close(cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.closed.Store(true)

		c.mu.Lock()
		g, cancel := c.guard, c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if g != nil {
			g.Close()
		}
		c.raw.Close()
		c.state.Store(int32(StateClosed))
	})
}

// setState moves to s unless the connection is already closed.
func (c *Connection) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// attach installs the idle guard and reports whether a drain was requested
// before it was in place.
func (c *Connection) attach(g *idle.Guard) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = g
	return c.draining
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
