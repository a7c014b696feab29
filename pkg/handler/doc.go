// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the observability hooks of the connection pipeline.
//
// # Extension Points
//
// A Handler is attached to the pipeline at construction time and invoked at
// three points of every connection:
//   - OnConnect: once, right after accept (connection init)
//   - OnData: for every read and every write (data events)
//   - OnDisconnect: once, when the connection closes
//
// Several handlers are combined with Chain, which calls them in order.
// Handlers observe; they cannot change the echoed bytes.
//
// # Context
//
// The Context struct carries connection metadata across all handler calls:
//   - SessionID: Unique identifier for this connection
//   - RemoteAddr, LocalAddr: Network addresses
//   - Protocol: "tcp" or "tls"
//   - TLS details once the handshake succeeded
//
// # Wiretap
//
// Wiretap is the built-in data tap. It logs every event through slog and
// renders payloads as a hex dump, as quoted text or as sizes only:
//
//	tap := handler.NewWiretap(logger, slog.LevelInfo, handler.FormatHexDump)
//	p := pipeline.New(pipeline.Options{Handler: handler.NewChain(tap)})
package handler
