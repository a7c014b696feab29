// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the echo path of a connection.
//
// # Flow
//
// Each Run starts two goroutines sharing a bounded queue:
//
//	reader: conn.Read → pooled Buffer → Retain → queue
//	writer: queue → conn.Write → Release
//
// The reader releases its own reference right after handing the buffer to
// the queue, so a buffer is owned by the queue and then by the writer until
// the write completes. Buffers left in the queue when the run stops are
// released by Run itself.
//
// # Overload
//
// With PolicySuspend a full queue blocks the reader, which stops reading
// from the socket and lets TCP flow control push back on the peer. Memory
// per connection is bounded by (QueueSize+2) buffers.
//
// With PolicyDrop the reader never waits: a buffer that does not fit in the
// queue is released without being echoed and counted in Stats.Dropped.
package relay
