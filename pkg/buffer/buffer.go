// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package buffer provides reference-counted byte blocks backed by a pool.
//
// A Buffer starts with one reference. Every holder that hands the buffer to
// another stage calls Retain first, and every holder calls Release exactly
// once when it is done. When the count reaches zero the block goes back to
// its Pool and the Buffer must not be used again.
package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrReleased is the panic value raised when a buffer is released or
// retained after its reference count reached zero.
var ErrReleased = errors.New("buffer used after release")

// Buffer is a reference-counted view of received bytes.
type Buffer struct {
	block *[]byte
	n     int
	refs  atomic.Int32
	pool  *Pool
}

// Bytes returns the filled part of the buffer. The slice is only valid
// while the caller holds a reference.
func (b *Buffer) Bytes() []byte {
	return (*b.block)[:b.n]
}

// Len returns the number of filled bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int32 {
	return b.refs.Load()
}

// Retain increments the reference count and returns b.
func (b *Buffer) Retain() *Buffer {
	for {
		cur := b.refs.Load()
		if cur <= 0 {
			panic(ErrReleased)
		}
		if b.refs.CompareAndSwap(cur, cur+1) {
			return b
		}
	}
}

// Release drops one reference. It returns true when this call dropped the
// last reference and the block was returned to the pool.
func (b *Buffer) Release() bool {
	switch left := b.refs.Add(-1); {
	case left > 0:
		return false
	case left == 0:
		b.pool.put(b)
		return true
	default:
		panic(ErrReleased)
	}
}

// fill exposes the whole block for reading into.
func (b *Buffer) fill() []byte {
	return (*b.block)[:cap(*b.block)]
}

// Pool hands out buffers of a fixed size and tracks how many are live.
type Pool struct {
	size        int
	blocks      sync.Pool
	outstanding atomic.Int64
}

// NewPool creates a pool of buffers holding up to size bytes each.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 16 * 1024
	}
	p := &Pool{size: size}
	p.blocks.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the capacity of each buffer.
func (p *Pool) Size() int {
	return p.size
}

// Get returns an empty buffer holding one reference.
func (p *Pool) Get() *Buffer {
	b := &Buffer{
		block: p.blocks.Get().(*[]byte),
		pool:  p,
	}
	b.refs.Store(1)
	p.outstanding.Add(1)
	return b
}

// ReadFrom fills a fresh buffer with a single read call. On error or an
// empty read the buffer is released and nil is returned along with the
// read error.
func (p *Pool) ReadFrom(read func([]byte) (int, error)) (*Buffer, error) {
	b := p.Get()
	n, err := read(b.fill())
	if n <= 0 {
		b.Release()
		return nil, err
	}
	b.n = n
	return b, err
}

// Outstanding returns the number of buffers that have not been fully released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

func (p *Pool) put(b *Buffer) {
	b.n = 0
	p.blocks.Put(b.block)
	b.block = nil
	p.outstanding.Add(-1)
}
