// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package resolver

import (
	"context"
	"net"
	"net/netip"

	"github.com/shrikeproxy/shrike/internal/log"
)

// System resolves names via the OS's getaddrinfo, through Go's net.Resolver.
// Go's net package already pushes the cgo/getaddrinfo call onto its own
// runtime-managed thread, so there is no need to hand-roll a worker pool the
// way a systems language without a green-thread-aware resolver would.
//
// A System resolver must never be paired with the TUN acceptor: system DNS
// would be routed back through the TUN device it is trying to serve,
// deadlocking the stack. System does not implement resolver.RawResolver,
// the type of the TUN listener's DNS upstream in package server, so that
// pairing does not compile.
type System struct {
	res *net.Resolver
}

var _ Resolver = (*System)(nil)

// NewSystem returns a Resolver backed by the OS's resolver.
func NewSystem() *System {
	return &System{res: net.DefaultResolver}
}

func (s *System) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := s.res.LookupNetIP(ctx, "ip", host)
	if err != nil {
		log.D("resolver: system: lookup(%s) failed: %v", host, err)
	}
	return dedupeEmpty(addrs, err)
}

func (s *System) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := s.res.LookupNetIP(ctx, "ip4", host)
	return dedupeEmpty(addrs, err)
}

func (s *System) LookupIPv6(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := s.res.LookupNetIP(ctx, "ip6", host)
	return dedupeEmpty(addrs, err)
}
