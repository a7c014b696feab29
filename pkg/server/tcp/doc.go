// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the listening side of the echo server.
//
// # Overview
//
// The server binds one TCP socket, accepts connections and serves each of
// them through a pipeline.Pipeline on a dedicated goroutine. The pipeline
// performs the optional TLS handshake, arms the idle timeout and runs the
// echo relay.
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Accept limiter admits or closes the socket
//  3. Socket options are applied (TCP_NODELAY, keep-alive)
//  4. pipeline.Accept wraps the socket and assigns a session ID
//  5. pipeline.Serve runs until the connection closes
//
// Accept errors are retried with a backoff from 5ms up to 1s, so running out
// of file descriptors slows the loop down instead of spinning.
//
// # Graceful Shutdown
//
// When the start context is cancelled or Shutdown is called:
//
//  1. Server stops accepting new connections
//  2. Every connection is asked to drain: it stops reading, flushes the
//     bytes it already queued and closes
//  3. After ShutdownTimeout, remaining connections are closed forcefully
//  4. ErrShutdownTimeout is returned if the timeout was exceeded
//
// # Example
//
//	p := pipeline.New(pipeline.Options{IdleTimeout: 10 * time.Second})
//	server := tcp.New(tcp.Config{Address: ":8080"}, p)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
