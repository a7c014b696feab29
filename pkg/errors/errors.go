// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the echo server.
//
// Only ErrBind is fatal: it is returned from the listener at startup. Every
// other error is scoped to a single connection and results in that
// connection being closed while the server keeps running.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrBind indicates the listening socket could not be bound.
	ErrBind = errors.New("bind failed")

	// ErrHandshake indicates the TLS handshake failed.
	ErrHandshake = errors.New("tls handshake failed")

	// ErrIdleTimeout indicates no bytes were read within the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrIO indicates a read or write failure such as a reset or broken pipe.
	ErrIO = errors.New("i/o failure")

	// ErrBackpressureViolation indicates the relay queued more buffers than
	// its bound allows. It is an internal invariant failure.
	ErrBackpressureViolation = errors.New("backpressure violation")

	// ErrRejected indicates a connection was refused by a hook or the accept limiter.
	ErrRejected = errors.New("connection rejected")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnError wraps a connection scoped error with additional context.
type ConnError struct {
	Op         string // Operation that failed
	Protocol   string // Protocol (tcp, tls)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapKind joins a taxonomy sentinel with its cause so that both match errors.Is.
func WrapKind(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// IsPeerClosed reports whether err only signals an orderly or abrupt close
// by the remote peer or by ourselves.
func IsPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// Kind returns a short label describing err, suitable for metric labels and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrBind):
		return "bind"
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, ErrBackpressureViolation):
		return "backpressure_violation"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrConnectionClosed):
		return "shutdown"
	case errors.Is(err, io.EOF):
		return "eof"
	default:
		return "io"
	}
}
