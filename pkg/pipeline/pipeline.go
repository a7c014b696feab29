// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mecho/pkg/buffer"
	merrors "github.com/absmach/mecho/pkg/errors"
	"github.com/absmach/mecho/pkg/handler"
	"github.com/absmach/mecho/pkg/idle"
	"github.com/absmach/mecho/pkg/metrics"
	"github.com/absmach/mecho/pkg/relay"
	"github.com/absmach/mecho/pkg/secure"
)

// Options configure a Pipeline. They are fixed once the pipeline is built.
type Options struct {
	// Negotiator enables TLS when set.
	Negotiator *secure.Negotiator

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration

	// Relay configures the echo path, including the overload policy.
	Relay relay.Config

	// Pool provides relay buffers. It is shared by all connections.
	Pool *buffer.Pool

	// Handler receives connection and data events. Optional.
	Handler handler.Handler

	// Metrics records connection metrics. Optional.
	Metrics *metrics.Metrics

	// Logger for connection events
	Logger *slog.Logger
}

// Pipeline sequences TLS negotiation, the idle guard and the relay for every
// accepted connection. It holds no per-connection state and is safe for
// concurrent use.
type Pipeline struct {
	opts     Options
	protocol string
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pool == nil {
		opts.Pool = buffer.NewPool(0)
	}
	if opts.Handler == nil {
		opts.Handler = &handler.NoopHandler{}
	}

	protocol := "tcp"
	if opts.Negotiator != nil {
		protocol = "tls"
	}

	return &Pipeline{
		opts:     opts,
		protocol: protocol,
	}
}

// Protocol returns "tls" when the pipeline negotiates TLS and "tcp" otherwise.
func (p *Pipeline) Protocol() string {
	return p.protocol
}

// Accept wraps a freshly accepted socket. The returned connection must be
// passed to Serve.
func (p *Pipeline) Accept(raw net.Conn) *Connection {
	return newConnection(raw, p.protocol)
}

// Serve drives c until it closes and returns the reason, or nil when the
// peer closed its side cleanly. Cancelling ctx closes the connection.
// Errors are scoped to c and never affect other connections.
func (p *Pipeline) Serve(ctx context.Context, c *Connection) error {
	if p.opts.Metrics == nil {
		return p.serve(ctx, c)
	}
	return p.opts.Metrics.ObserveConnection(p.protocol, func() error {
		return p.serve(ctx, c)
	})
}

func (p *Pipeline) serve(ctx context.Context, c *Connection) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { c.Close(context.Cause(ctx)) })
	defer stop()

	hctx := c.hctx
	p.opts.Logger.Debug("connection accepted",
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("protocol", p.protocol))

	stats, err := p.run(ctx, c)
	// A close from outside the pipeline explains the relay failure.
	if c.Closed() && c.cause != nil {
		err = c.cause
	}
	err = classify(err)
	c.Close(err)

	p.opts.Handler.OnDisconnect(context.Background(), hctx, err)
	p.report(c, stats, err)

	if err == nil {
		return nil
	}
	return merrors.New("serve", p.protocol, hctx.SessionID, hctx.RemoteAddr, err)
}

func (p *Pipeline) run(ctx context.Context, c *Connection) (relay.Stats, error) {
	hctx := c.hctx

	if err := p.opts.Handler.OnConnect(ctx, hctx); err != nil {
		return relay.Stats{}, merrors.WrapKind(merrors.ErrRejected, err)
	}

	var stream net.Conn = c.raw
	if p.opts.Negotiator != nil {
		c.setState(StateHandshaking)
		tlsConn, err := p.opts.Negotiator.Negotiate(ctx, c.raw, &c.tls)
		if err != nil {
			c.setState(StateFailed)
			return relay.Stats{}, err
		}
		hctx.SetTLS(tlsConn.ConnectionState())
		c.setState(StateEstablished)
		stream = tlsConn
	}

	guard := idle.New(stream, p.opts.IdleTimeout)
	if c.attach(guard) {
		guard.Drain()
	}
	if c.Closed() {
		return relay.Stats{}, merrors.ErrConnectionClosed
	}

	c.setState(StateRelaying)
	observe := func(dir relay.Direction, payload []byte) {
		p.opts.Handler.OnData(ctx, hctx, dir, payload)
	}
	return relay.New(p.opts.Relay, p.opts.Pool, observe).Run(ctx, guard)
}

func (p *Pipeline) report(c *Connection, stats relay.Stats, err error) {
	hctx := c.hctx
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.Uint64("bytes_in", stats.BytesIn),
		slog.Uint64("bytes_out", stats.BytesOut),
		slog.Uint64("dropped", stats.Dropped),
		slog.Duration("duration", time.Since(hctx.ConnectedAt)),
	}

	kind := merrors.Kind(err)
	switch kind {
	case "none", "eof", "shutdown":
		p.opts.Logger.Debug("connection closed", attrs...)
	case "backpressure_violation":
		p.opts.Logger.Error("connection closed on internal invariant failure",
			append(attrs, slog.String("error", err.Error()))...)
	case "io":
		level := slog.LevelInfo
		if merrors.IsPeerClosed(err) {
			level = slog.LevelDebug
		}
		p.opts.Logger.Log(context.Background(), level, "connection closed",
			append(attrs, slog.String("error", err.Error()))...)
	default:
		p.opts.Logger.Warn("connection closed",
			append(attrs, slog.String("reason", kind), slog.String("error", err.Error()))...)
	}

	if m := p.opts.Metrics; m != nil {
		m.ObserveRelay(p.protocol, stats.BytesIn, stats.BytesOut, stats.Dropped)
		if err != nil {
			m.ObserveError(p.protocol, kind)
		}
	}
}

// classify maps an error to the connection error taxonomy. Errors that
// already carry a taxonomy sentinel are kept as they are.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, merrors.ErrHandshake),
		errors.Is(err, merrors.ErrIdleTimeout),
		errors.Is(err, merrors.ErrBackpressureViolation),
		errors.Is(err, merrors.ErrRejected),
		errors.Is(err, merrors.ErrConnectionClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return merrors.WrapKind(merrors.ErrIO, err)
	}
}
