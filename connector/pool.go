// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/internal/log"
)

type poolEntry struct {
	conn    net.Conn
	err     error
	created time.Time
}

// Pool pre-warms size connections to a fixed endpoint via inner, handing
// them out on Connect and refilling in the background. Storing failed
// attempts in the pool is deliberate (spec.md §4.3): during an outage every
// slot fails fast and the caller tries once more live, which is natural
// backpressure instead of a thundering-herd retry storm.
type Pool struct {
	inner    Connector
	endpoint endpoint.Endpoint
	size     int
	timeout  time.Duration

	mu    sync.Mutex
	queue []poolEntry
}

var _ Connector = (*Pool)(nil)

// NewPool builds a pool of size pre-warmed connections to ep via inner,
// discarding entries older than timeout at pop time.
func NewPool(inner Connector, ep endpoint.Endpoint, size int, timeout time.Duration) *Pool {
	p := &Pool{inner: inner, endpoint: ep, size: size, timeout: timeout}
	for i := 0; i < size; i++ {
		p.fill()
	}
	return p
}

// fill spawns one background dial and appends its (result, created_at) to
// the back of the queue once it completes.
func (p *Pool) fill() {
	go func() {
		defer log.D("connector: pool: refill for %s done", p.endpoint)
		c, err := p.inner.Connect(context.Background(), p.endpoint)
		p.mu.Lock()
		p.queue = append(p.queue, poolEntry{conn: c, err: err, created: time.Now()})
		p.mu.Unlock()
	}()
}

func (p *Pool) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	if !ep.Equal(p.endpoint) {
		return nil, fmt.Errorf("connector: pool: bound to %s, got request for %s", p.endpoint, ep)
	}

	p.mu.Lock()
	for len(p.queue) > 0 {
		e := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		// a pop always triggers exactly one refill, regardless of outcome.
		p.fill()

		if time.Since(e.created) >= p.timeout {
			log.D("connector: pool: discarding stale entry for %s", p.endpoint)
			if e.conn != nil {
				_ = e.conn.Close()
			}
			p.mu.Lock()
			continue
		}
		if e.err != nil {
			log.W("connector: pool: stored failure for %s: %v", p.endpoint, e.err)
			p.mu.Lock()
			continue
		}
		return e.conn, nil
	}
	p.mu.Unlock()

	return p.inner.Connect(ctx, ep)
}

// Len reports the current queue size, for tests asserting the capacity
// bound (spec.md §8: "the pool never exceeds its configured capacity").
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Refresh discards every queued entry (closing any live conn among them)
// and re-fills the pool from scratch, mirroring the teacher's
// Proxy.Refresh() re-registration hook for connectors that hold live
// state.
func (p *Pool) Refresh() error {
	p.mu.Lock()
	stale := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, e := range stale {
		if e.conn != nil {
			_ = e.conn.Close()
		}
	}
	for i := 0; i < p.size; i++ {
		p.fill()
	}
	return nil
}
