// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun

import (
	"fmt"
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Allocator hands out fake IPv4 addresses for domain names and
// remembers the mapping in both directions. The reverse direction
// (fake IP → domain) is the bounded one: when the pool is exhausted,
// the least recently used binding is evicted to make room, on the
// theory that a binding nobody has touched in a while is the safest
// one to recycle (browsers are known to hold DNS answers long past
// their TTL, so time-based eviction risks breaking a connection still
// in use). The forward map is kept in lockstep via the eviction
// callback, maintaining forward[d] = ip ⇔ reverse[ip] = d at all
// times.
type Allocator struct {
	mu      sync.Mutex
	forward map[string]netip.Addr
	reverse *lru.Cache[netip.Addr, string]
	pool    []netip.Addr
}

// NewAllocator builds an Allocator drawing fake addresses from pool.
func NewAllocator(pool []netip.Addr) (*Allocator, error) {
	if len(pool) == 0 {
		return nil, fmt.Errorf("tun: fakedns: empty address pool")
	}
	a := &Allocator{forward: make(map[string]netip.Addr), pool: pool}
	cache, err := lru.NewWithEvict[netip.Addr, string](len(pool), a.onEvict)
	if err != nil {
		return nil, fmt.Errorf("tun: fakedns: %w", err)
	}
	a.reverse = cache
	return a, nil
}

// onEvict runs synchronously from inside reverse.Remove (or reverse.Add,
// should it ever overflow), both of which are only called while mu is
// already held — it must not try to re-acquire it.
func (a *Allocator) onEvict(_ netip.Addr, domain string) {
	delete(a.forward, domain)
}

// Allocate returns domain's fake address, assigning one from the pool
// (evicting the least recently used binding if necessary) if this is
// the first time domain has been seen. A domain that is itself an IP
// literal returns that literal unchanged, consuming no pool capacity:
// some clients query their own address for consistency.
func (a *Allocator) Allocate(domain string) (netip.Addr, error) {
	if literal, err := netip.ParseAddr(domain); err == nil {
		return literal, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if ip, ok := a.forward[domain]; ok {
		a.reverse.Get(ip) // refresh recency
		return ip, nil
	}

	var ip netip.Addr
	if len(a.forward) < len(a.pool) {
		ip = a.pool[len(a.forward)]
	} else {
		oldest, _, ok := a.reverse.GetOldest()
		if !ok {
			return netip.Addr{}, fmt.Errorf("tun: fakedns: pool exhausted")
		}
		// evict explicitly rather than letting the upcoming Add do it
		// implicitly, since Add only evicts when capacity is exceeded,
		// not when reusing a key that is already present.
		a.reverse.Remove(oldest)
		ip = oldest
	}

	a.forward[domain] = ip
	a.reverse.Add(ip, domain)
	return ip, nil
}

// Reverse resolves a fake address back to the domain it was allocated
// for, refreshing its recency.
func (a *Allocator) Reverse(ip netip.Addr) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reverse.Get(ip)
}
