// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync/atomic"

// counter tracks buffers handed to the write path and not yet released.
type counter struct {
	n     atomic.Int64
	limit int64
}

func newCounter(limit int) *counter {
	return &counter{limit: int64(limit)}
}

// add reports false when the bound would be exceeded.
func (c *counter) add() bool {
	if c.n.Add(1) > c.limit {
		c.n.Add(-1)
		return false
	}
	return true
}

func (c *counter) done() {
	c.n.Add(-1)
}
