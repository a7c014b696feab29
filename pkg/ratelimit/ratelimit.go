// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast peers may open connections, using one
// token bucket per remote host.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxHosts = 10000
	sweepInterval   = time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter admits new connections per remote host. A host that opened burst
// connections in a row must wait for its bucket to refill at rate tokens
// per second.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	burst    int
	rate     rate.Limit
	maxHosts int
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter tracking at most maxHosts hosts; zero means
// 10000. Buckets that refilled completely are evicted periodically.
func NewLimiter(burst, perSecond int64, maxHosts int) *Limiter {
	if maxHosts <= 0 {
		maxHosts = defaultMaxHosts
	}

	l := &Limiter{
		buckets:  make(map[string]*bucket),
		burst:    int(burst),
		rate:     rate.Limit(perSecond),
		maxHosts: maxHosts,
		stop:     make(chan struct{}),
	}
	go l.sweep(sweepInterval)

	return l
}

// Allow reports whether a connection from addr may be served.
func (l *Limiter) Allow(addr net.Addr) bool {
	return l.AllowHost(host(addr))
}

// AllowHost reports whether a connection from host may be served. When the
// limiter tracks maxHosts hosts already, unknown hosts are refused.
func (l *Limiter) AllowHost(host string) bool {
	return l.allowAt(host, time.Now())
}

func (l *Limiter) allowAt(host string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= l.maxHosts {
			return false
		}
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[host] = b
	}
	b.lastUsed = now
	return b.limiter.AllowN(now, 1)
}

// Hosts returns the number of tracked hosts.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the eviction loop.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.evict(now, every)
		}
	}
}

// evict forgets hosts whose bucket is full again and that were not seen
// for idle. Forgetting them loses no state.
func (l *Limiter) evict(now time.Time, idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for h, b := range l.buckets {
		if now.Sub(b.lastUsed) >= idle && b.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, h)
		}
	}
}

func host(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return h
}
