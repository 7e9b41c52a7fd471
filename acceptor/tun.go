// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package acceptor

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/tun"
)

// Tun recovers the endpoint a TUN client originally dialed from a plain TCP
// connection accepted on the translator's listening address: the peer
// address the kernel reports is the NAT translator's fake source, which
// maps back to the fake target the client's SYN carried; the fake target's
// IP in turn reverse-resolves to the domain (or literal IP) through the
// fake-DNS allocator. Neither lookup touches the network, so there is
// nothing to defer — Finalize only ever needs to hand the connection back.
type Tun struct {
	Translator *tun.Translator
	DNS        *tun.FakeDNS
}

var _ Acceptor = Tun{}

func (t Tun) Accept(_ context.Context, conn net.Conn) (endpoint.Endpoint, Finalize, error) {
	peer, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: tun: non-tcp peer address %v", conn.RemoteAddr())
	}
	fakeSourceIP, ok := netip.AddrFromSlice(peer.IP)
	if !ok {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: tun: unparseable peer ip %v", peer.IP)
	}
	fakeSource := netip.AddrPortFrom(fakeSourceIP.Unmap(), uint16(peer.Port))

	target, ok := t.Translator.LookupBySource(fakeSource)
	if !ok {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: tun: no nat mapping for %v", fakeSource)
	}

	domain, ok := t.DNS.ReverseLookup(target.Addr())
	if !ok {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: tun: no fake-dns binding for %v", target.Addr())
	}

	ep := endpoint.Domain(domain, target.Port())
	finalize := func(_ context.Context, _ net.Conn, upstreamErr error) (net.Conn, error) {
		if upstreamErr != nil {
			return nil, upstreamErr
		}
		return conn, nil
	}
	return ep, finalize, nil
}
