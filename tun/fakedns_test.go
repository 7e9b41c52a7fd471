// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrikeproxy/shrike/tun"
)

func pool(n int) []netip.Addr {
	out := make([]netip.Addr, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, netip.AddrFrom4([4]byte{10, 99, 0, byte(i + 1)}))
	}
	return out
}

func TestAllocateIsStableAndReversible(t *testing.T) {
	a, err := tun.NewAllocator(pool(8))
	require.NoError(t, err)

	ip1, err := a.Allocate("example.com")
	require.NoError(t, err)

	ip2, err := a.Allocate("example.com")
	require.NoError(t, err)
	assert.Equal(t, ip1, ip2, "repeated allocation for the same domain must return the same ip")

	domain, ok := a.Reverse(ip1)
	require.True(t, ok)
	assert.Equal(t, "example.com", domain)
}

func TestAllocateDistinctDomainsGetDistinctIPs(t *testing.T) {
	a, err := tun.NewAllocator(pool(8))
	require.NoError(t, err)

	ip1, err := a.Allocate("a.example.com")
	require.NoError(t, err)
	ip2, err := a.Allocate("b.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, ip1, ip2)
}

func TestAllocateIPLiteralPassesThrough(t *testing.T) {
	a, err := tun.NewAllocator(pool(8))
	require.NoError(t, err)

	ip, err := a.Allocate("203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.5"), ip)

	// the literal never consumed a pool slot or a reverse binding
	_, ok := a.Reverse(ip)
	assert.False(t, ok)
}

func TestEvictionRemovesForwardEntry(t *testing.T) {
	a, err := tun.NewAllocator(pool(2))
	require.NoError(t, err)

	ip1, err := a.Allocate("first.example.com")
	require.NoError(t, err)
	_, err = a.Allocate("second.example.com")
	require.NoError(t, err)
	// a third distinct domain forces eviction of the least recently used
	// binding, which is first.example.com since it hasn't been touched
	// since its own allocation.
	ip3, err := a.Allocate("third.example.com")
	require.NoError(t, err)
	assert.Equal(t, ip1, ip3, "the evicted binding's ip is recycled for the new domain")

	domain, ok := a.Reverse(ip1)
	require.True(t, ok)
	assert.Equal(t, "third.example.com", domain, "evicted fake ip must no longer reverse-resolve to its old domain")

	// re-allocating the evicted domain must mint a (possibly reused) ip
	// rather than error.
	_, err = a.Allocate("first.example.com")
	require.NoError(t, err)
}

func TestReverseRefreshesRecency(t *testing.T) {
	a, err := tun.NewAllocator(pool(2))
	require.NoError(t, err)

	ip1, err := a.Allocate("keep.example.com")
	require.NoError(t, err)
	_, err = a.Allocate("second.example.com")
	require.NoError(t, err)

	// touch keep.example.com's binding so it is no longer the least
	// recently used entry.
	_, ok := a.Reverse(ip1)
	require.True(t, ok)

	_, err = a.Allocate("third.example.com")
	require.NoError(t, err)

	_, ok = a.Reverse(ip1)
	assert.True(t, ok, "recently-touched binding must survive eviction")
}
