// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{nil, "none"},
		{WrapKind(ErrBind, errors.New("address in use")), "bind"},
		{WrapKind(ErrHandshake, errors.New("bad record")), "handshake"},
		{WrapKind(ErrIdleTimeout, nil), "idle_timeout"},
		{ErrBackpressureViolation, "backpressure_violation"},
		{WrapKind(ErrRejected, errors.New("hook")), "rejected"},
		{context.Canceled, "shutdown"},
		{ErrConnectionClosed, "shutdown"},
		{fmt.Errorf("read: %w", io.EOF), "eof"},
		{WrapKind(ErrIO, syscall.ECONNRESET), "io"},
		{errors.New("unknown"), "io"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.kind, Kind(tt.err), "error %v", tt.err)
	}
}

func TestWrapKind_MatchesBoth(t *testing.T) {
	cause := errors.New("deadline")
	err := WrapKind(ErrIdleTimeout, cause)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.ErrorIs(t, err, cause)
}

func TestConnError(t *testing.T) {
	err := New("serve", "tls", "abc", "127.0.0.1:1", ErrHandshake)
	assert.Equal(t, "tls serve [abc] 127.0.0.1:1: tls handshake failed", err.Error())
	assert.ErrorIs(t, err, ErrHandshake)

	var ce *ConnError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "abc", ce.SessionID)

	noSession := New("accept", "tcp", "", "127.0.0.1:1", io.EOF)
	assert.Equal(t, "tcp accept 127.0.0.1:1: EOF", noSession.Error())
}

func TestIsPeerClosed(t *testing.T) {
	assert.True(t, IsPeerClosed(io.EOF))
	assert.True(t, IsPeerClosed(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
	assert.True(t, IsPeerClosed(fmt.Errorf("write: %w", syscall.EPIPE)))
	assert.True(t, IsPeerClosed(net.ErrClosed))
	assert.False(t, IsPeerClosed(ErrIdleTimeout))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ctx"))
	assert.EqualError(t, Wrap(io.EOF, "read"), "read: EOF")
}
