// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/absmach/mecho/pkg/buffer"
	merrors "github.com/absmach/mecho/pkg/errors"
)

// Policy selects what the relay does when the outbound path is not ready.
type Policy int

const (
	// PolicySuspend stops reading until the writer catches up. Nothing is dropped.
	PolicySuspend Policy = iota

	// PolicyDrop releases buffers that cannot be queued immediately and keeps reading.
	PolicyDrop
)

// String returns a string representation of the policy.
func (p Policy) String() string {
	switch p {
	case PolicySuspend:
		return "suspend"
	case PolicyDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "suspend" or "drop". An empty string selects PolicySuspend.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "suspend":
		return PolicySuspend, nil
	case "drop":
		return PolicyDrop, nil
	default:
		return PolicySuspend, fmt.Errorf("unknown policy %q", s)
	}
}

// Direction indicates which side of the relay an event belongs to.
type Direction int

const (
	// Inbound represents bytes read from the peer.
	Inbound Direction = iota

	// Outbound represents bytes written back to the peer.
	Outbound
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Observer is invoked inline for every read and every write. The slice is
// only valid for the duration of the call.
type Observer func(dir Direction, p []byte)

// Conn is the byte stream the relay echoes on.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
}

// Config holds the relay configuration.
type Config struct {
	// Policy is fixed for the lifetime of the relay.
	Policy Policy

	// QueueSize bounds the number of buffers waiting for the writer.
	QueueSize int

	// WriteTimeout bounds each write. Zero disables the deadline.
	WriteTimeout time.Duration
}

// Stats summarises a finished relay run.
type Stats struct {
	BytesIn  uint64
	BytesOut uint64
	Reads    uint64
	Writes   uint64
	Dropped  uint64
}

// Relay echoes every buffer read from a connection back to it, in order.
// A Relay serves a single connection and Run must be called once.
type Relay struct {
	cfg     Config
	pool    *buffer.Pool
	observe Observer
	stats   Stats
}

// New creates a relay drawing its buffers from pool.
func New(cfg Config, pool *buffer.Pool, observe Observer) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if pool == nil {
		pool = buffer.NewPool(0)
	}
	if observe == nil {
		observe = func(Direction, []byte) {}
	}
	return &Relay{
		cfg:     cfg,
		pool:    pool,
		observe: observe,
	}
}

// Run reads from conn and writes every chunk back until the peer closes its
// side, an error occurs or ctx is cancelled. Cancelling ctx closes conn.
// A clean peer close returns a nil error once all queued bytes are written.
// All buffers are released before Run returns.
func (r *Relay) Run(ctx context.Context, conn Conn) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var (
		queue   = make(chan *buffer.Buffer, r.cfg.QueueSize)
		pending = newCounter(r.cfg.QueueSize + 2)
		readCh  = make(chan error, 1)
		writeCh = make(chan error, 1)
		dropped uint64
		wstats  Stats
	)

	go func() {
		defer close(queue)
		readCh <- r.readLoop(ctx, conn, queue, pending, &dropped)
	}()
	go func() {
		writeCh <- r.writeLoop(ctx, conn, queue, pending, &wstats)
	}()

	var first, second error
	select {
	case first = <-readCh:
		if first != nil && !errors.Is(first, io.EOF) {
			cancel()
		}
		second = <-writeCh
	case first = <-writeCh:
		// The writer only finishes first on failure or cancellation.
		cancel()
		second = <-readCh
	}

	for b := range queue {
		pending.done()
		b.Release()
	}

	r.stats.BytesOut = wstats.BytesOut
	r.stats.Writes = wstats.Writes
	r.stats.Dropped = dropped

	return r.stats, outcome(first, second)
}

// onReceive hands a freshly read buffer to the write path. The read side
// reference is always released here; the queue holds its own reference.
func (r *Relay) onReceive(ctx context.Context, queue chan<- *buffer.Buffer, pending *counter, b *buffer.Buffer, dropped *uint64) error {
	defer b.Release()

	out := b.Retain()
	if !pending.add() {
		out.Release()
		return merrors.ErrBackpressureViolation
	}

	if r.cfg.Policy == PolicyDrop {
		select {
		case queue <- out:
		default:
			pending.done()
			out.Release()
			*dropped++
		}
		return nil
	}

	select {
	case queue <- out:
		return nil
	case <-ctx.Done():
		pending.done()
		out.Release()
		return ctx.Err()
	}
}

func (r *Relay) readLoop(ctx context.Context, conn Conn, queue chan<- *buffer.Buffer, pending *counter, dropped *uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := r.pool.ReadFrom(conn.Read)
		if b != nil {
			r.stats.Reads++
			r.stats.BytesIn += uint64(b.Len())
			r.observe(Inbound, b.Bytes())
			if qerr := r.onReceive(ctx, queue, pending, b, dropped); qerr != nil {
				return qerr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (r *Relay) writeLoop(ctx context.Context, conn Conn, queue <-chan *buffer.Buffer, pending *counter, stats *Stats) error {
	for {
		select {
		case b, ok := <-queue:
			if !ok {
				return nil
			}
			if err := r.write(ctx, conn, b, pending, stats); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// write writes b fully and releases it on every path.
func (r *Relay) write(ctx context.Context, conn Conn, b *buffer.Buffer, pending *counter, stats *Stats) error {
	defer func() {
		pending.done()
		b.Release()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
			return err
		}
	}

	p := b.Bytes()
	n, err := conn.Write(p)
	if n > 0 {
		stats.Writes++
		stats.BytesOut += uint64(n)
		r.observe(Outbound, p[:n])
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return err
}

// outcome picks the error that explains why the relay stopped. The second
// error is usually a consequence of the first one closing the connection.
func outcome(first, second error) error {
	if first != nil && !errors.Is(first, io.EOF) {
		return first
	}
	if second != nil && !errors.Is(second, io.EOF) && !errors.Is(second, context.Canceled) {
		return second
	}
	return nil
}
