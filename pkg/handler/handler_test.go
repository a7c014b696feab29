// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	merrors "github.com/absmach/mecho/pkg/errors"
	"github.com/absmach/mecho/pkg/relay"
)

// MockHandler is a mock implementation for testing.
type MockHandler struct {
	name       string
	ConnectErr error
	calls      *[]string
}

func (m *MockHandler) OnConnect(ctx context.Context, hctx *Context) error {
	*m.calls = append(*m.calls, m.name+".connect")
	return m.ConnectErr
}

func (m *MockHandler) OnData(ctx context.Context, hctx *Context, dir relay.Direction, payload []byte) {
	*m.calls = append(*m.calls, m.name+"."+dir.String())
}

func (m *MockHandler) OnDisconnect(ctx context.Context, hctx *Context, err error) {
	*m.calls = append(*m.calls, m.name+".disconnect")
}

func TestNoopHandler(t *testing.T) {
	handler := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		SessionID:  "test-session",
		RemoteAddr: "127.0.0.1:1234",
		Protocol:   "tcp",
	}

	if err := handler.OnConnect(ctx, hctx); err != nil {
		t.Errorf("OnConnect() returned error: %v", err)
	}
	handler.OnData(ctx, hctx, relay.Inbound, []byte("payload"))
	handler.OnDisconnect(ctx, hctx, nil)
}

func TestChain_Order(t *testing.T) {
	var calls []string
	chain := NewChain(
		&MockHandler{name: "a", calls: &calls},
		nil,
		&MockHandler{name: "b", calls: &calls},
	)
	if len(chain) != 2 {
		t.Fatalf("Expected nil handlers to be skipped, got %d handlers", len(chain))
	}

	ctx := context.Background()
	hctx := &Context{SessionID: "s"}
	if err := chain.OnConnect(ctx, hctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	chain.OnData(ctx, hctx, relay.Inbound, []byte("x"))
	chain.OnData(ctx, hctx, relay.Outbound, []byte("x"))
	chain.OnDisconnect(ctx, hctx, nil)

	want := []string{
		"a.connect", "b.connect",
		"a.inbound", "b.inbound",
		"a.outbound", "b.outbound",
		"a.disconnect", "b.disconnect",
	}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, calls)
	}
}

func TestChain_ConnectErrorStops(t *testing.T) {
	var calls []string
	reject := errors.New("rejected")
	chain := NewChain(
		&MockHandler{name: "a", calls: &calls, ConnectErr: reject},
		&MockHandler{name: "b", calls: &calls},
	)

	err := chain.OnConnect(context.Background(), &Context{})
	if !errors.Is(err, reject) {
		t.Errorf("Expected %v, got %v", reject, err)
	}
	if len(calls) != 1 {
		t.Errorf("Expected only the first handler to run, got %v", calls)
	}
}

func TestWiretap_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		want   string
	}{
		{name: "hex", format: FormatHexDump, want: "68 65 6c 6c 6f"},
		{name: "text", format: FormatTextual, want: `\"hello\"`},
		{name: "simple", format: FormatSimple, want: "size=5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&out, nil))
			tap := NewWiretap(logger, slog.LevelInfo, tt.format)
			hctx := &Context{SessionID: "s1", RemoteAddr: "127.0.0.1:1"}

			tap.OnConnect(context.Background(), hctx)
			tap.OnData(context.Background(), hctx, relay.Inbound, []byte("hello"))
			tap.OnDisconnect(context.Background(), hctx, merrors.ErrIdleTimeout)

			logs := out.String()
			for _, s := range []string{"ACTIVE", "READ", "INACTIVE", "reason=idle_timeout", tt.want} {
				if !strings.Contains(logs, s) {
					t.Errorf("Expected log output to contain %q, got:\n%s", s, logs)
				}
			}
		})
	}
}

func TestWiretap_DisabledLevel(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tap := NewWiretap(logger, slog.LevelDebug, FormatHexDump)

	tap.OnData(context.Background(), &Context{}, relay.Outbound, []byte("quiet"))
	if out.Len() != 0 {
		t.Errorf("Expected no output below the handler level, got %q", out.String())
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatHexDump, "text": FormatTextual, "simple": FormatSimple} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFormat("binary"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
