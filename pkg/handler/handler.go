// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/absmach/mecho/pkg/relay"
)

// Context contains connection metadata. It is created when a connection is
// accepted and passed to every Handler method for that connection.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// LocalAddr is the server address that accepted the connection
	LocalAddr string

	// Protocol is "tcp" or "tls"
	Protocol string

	// ConnectedAt is the accept time
	ConnectedAt time.Time

	// TLS details, set once the handshake succeeded.
	TLSVersion  uint16
	CipherSuite uint16
	ServerName  string

	// Cert is the client's TLS certificate (if one was presented)
	Cert *x509.Certificate
}

// SetTLS copies the negotiated parameters into the context.
func (c *Context) SetTLS(state tls.ConnectionState) {
	c.TLSVersion = state.Version
	c.CipherSuite = state.CipherSuite
	c.ServerName = state.ServerName
	if len(state.PeerCertificates) > 0 {
		c.Cert = state.PeerCertificates[0]
	}
}

// Handler defines observability callbacks invoked by the connection pipeline.
//
// OnConnect runs once per connection, right after accept and before any
// TLS handshake. Returning an error rejects the connection.
//
// OnData runs inline for every read and every write. It must be cheap: a
// slow handler slows the connection down but never changes the echoed bytes.
// It may be called concurrently for the two directions of one connection.
//
// OnDisconnect runs exactly once when the connection closes, with the
// error that closed it (nil for a clean peer close).
type Handler interface {
	OnConnect(ctx context.Context, hctx *Context) error
	OnData(ctx context.Context, hctx *Context, dir relay.Direction, payload []byte)
	OnDisconnect(ctx context.Context, hctx *Context, err error)
}

// NoopHandler is a Handler implementation that does nothing.
// Embed it to implement only some of the methods.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnData(ctx context.Context, hctx *Context, dir relay.Direction, payload []byte) {
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, err error) {
}

// Chain invokes handlers in order. It is fixed once built.
type Chain []Handler

var _ Handler = Chain(nil)

// NewChain builds a chain, skipping nil handlers.
func NewChain(handlers ...Handler) Chain {
	c := make(Chain, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			c = append(c, h)
		}
	}
	return c
}

// OnConnect stops at the first handler returning an error.
func (c Chain) OnConnect(ctx context.Context, hctx *Context) error {
	for _, h := range c {
		if err := h.OnConnect(ctx, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnData(ctx context.Context, hctx *Context, dir relay.Direction, payload []byte) {
	for _, h := range c {
		h.OnData(ctx, hctx, dir, payload)
	}
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context, err error) {
	for _, h := range c {
		h.OnDisconnect(ctx, hctx, err)
	}
}
