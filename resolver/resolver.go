// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package resolver implements the Resolver capability: domain name to
// address-list lookups, plus an optional raw DNS message passthrough used
// by the fake-DNS responder in package tun.
package resolver

import (
	"context"
	"errors"
	"net/netip"

	"github.com/miekg/dns"
)

// ErrNoAddresses is returned when a lookup succeeds but yields no addresses.
var ErrNoAddresses = errors.New("resolver: no addresses found")

// Resolver looks up domain names. Implementations must treat an empty
// result as an error, never as a silently-empty success.
type Resolver interface {
	// LookupIP returns a mix of IPv4 and IPv6 addresses for host.
	LookupIP(ctx context.Context, host string) ([]netip.Addr, error)
	// LookupIPv4 returns only IPv4 addresses for host.
	LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error)
	// LookupIPv6 returns only IPv6 addresses for host.
	LookupIPv6(ctx context.Context, host string) ([]netip.Addr, error)
}

// RawResolver is implemented by resolvers that can also forward an entire
// wire-format DNS message, used by the fake-DNS path in package tun for
// queries other than A records.
type RawResolver interface {
	Resolver
	// LookupRaw forwards msg verbatim to the upstream and returns its reply.
	LookupRaw(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

func dedupeEmpty(addrs []netip.Addr, err error) ([]netip.Addr, error) {
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	return addrs, nil
}
