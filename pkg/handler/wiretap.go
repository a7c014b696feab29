// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	merrors "github.com/absmach/mecho/pkg/errors"
	"github.com/absmach/mecho/pkg/relay"
)

// Format selects how the wiretap renders payloads.
type Format int

const (
	// FormatHexDump logs a hex dump of every payload.
	FormatHexDump Format = iota
	// FormatTextual logs payloads as quoted text.
	FormatTextual
	// FormatSimple logs sizes only.
	FormatSimple
)

// ParseFormat parses "hex", "text" or "simple".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "hex", "hexdump":
		return FormatHexDump, nil
	case "text", "textual":
		return FormatTextual, nil
	case "simple":
		return FormatSimple, nil
	default:
		return FormatHexDump, fmt.Errorf("unknown wiretap format %q", s)
	}
}

var _ Handler = (*Wiretap)(nil)

// Wiretap logs connection and data events without touching the data.
type Wiretap struct {
	logger *slog.Logger
	level  slog.Level
	format Format
}

// NewWiretap creates a wiretap logging at level with the given format.
func NewWiretap(logger *slog.Logger, level slog.Level, format Format) *Wiretap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wiretap{
		logger: logger.With(slog.String("component", "wiretap")),
		level:  level,
		format: format,
	}
}

func (w *Wiretap) OnConnect(ctx context.Context, hctx *Context) error {
	w.logger.Log(ctx, w.level, "ACTIVE",
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("local", hctx.LocalAddr),
		slog.String("protocol", hctx.Protocol))
	return nil
}

func (w *Wiretap) OnData(ctx context.Context, hctx *Context, dir relay.Direction, payload []byte) {
	if !w.logger.Enabled(ctx, w.level) {
		return
	}

	event := "READ"
	if dir == relay.Outbound {
		event = "WRITE"
	}
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.Int("size", len(payload)),
	}
	switch w.format {
	case FormatHexDump:
		attrs = append(attrs, slog.String("dump", hex.Dump(payload)))
	case FormatTextual:
		attrs = append(attrs, slog.String("text", fmt.Sprintf("%q", payload)))
	}
	w.logger.Log(ctx, w.level, event, attrs...)
}

func (w *Wiretap) OnDisconnect(ctx context.Context, hctx *Context, err error) {
	w.logger.Log(ctx, w.level, "INACTIVE",
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("reason", merrors.Kind(err)))
}
