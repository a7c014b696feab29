// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package secure negotiates TLS on accepted connections and provides the
// certificate material used for it.
package secure

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
	"time"

	merrors "github.com/absmach/mecho/pkg/errors"
)

// State is the TLS state of a connection.
type State int32

const (
	// StateDisabled means the connection is plain TCP.
	StateDisabled State = iota
	// StateHandshaking means the server handshake is in progress.
	StateHandshaking
	// StateEstablished means the handshake succeeded.
	StateEstablished
	// StateFailed means the handshake failed and the connection was closed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker records TLS state transitions of one connection.
type Tracker struct {
	state atomic.Int32
}

// Load returns the current state.
func (t *Tracker) Load() State {
	return State(t.state.Load())
}

func (t *Tracker) set(s State) {
	t.state.Store(int32(s))
}

// Negotiator performs server handshakes with a shared TLS configuration.
// It is safe for concurrent use.
type Negotiator struct {
	config  *tls.Config
	timeout time.Duration
}

// NewNegotiator builds the process-wide TLS configuration for cert.
// A non-positive timeout leaves the handshake bounded only by ctx.
func NewNegotiator(cert tls.Certificate, timeout time.Duration) *Negotiator {
	return &Negotiator{
		config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		timeout: timeout,
	}
}

// Config returns a clone of the server TLS configuration.
func (n *Negotiator) Config() *tls.Config {
	return n.config.Clone()
}

// Negotiate runs the server side of the TLS handshake on conn before any
// application data is exchanged. On failure conn is closed, the tracker is
// moved to StateFailed and the returned error matches errors.ErrHandshake.
func (n *Negotiator) Negotiate(ctx context.Context, conn net.Conn, tr *Tracker) (*tls.Conn, error) {
	if tr == nil {
		tr = &Tracker{}
	}
	tr.set(StateHandshaking)

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	tlsConn := tls.Server(conn, n.config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tr.set(StateFailed)
		conn.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			err = merrors.Wrap(err, "handshake timed out")
		}
		return nil, merrors.WrapKind(merrors.ErrHandshake, err)
	}

	tr.set(StateEstablished)
	return tlsConn, nil
}
