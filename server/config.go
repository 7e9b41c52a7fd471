// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"github.com/shrikeproxy/shrike/connector"
	"github.com/shrikeproxy/shrike/resolver"
	"github.com/shrikeproxy/shrike/simplex"
)

// Kind selects which Acceptor a listener serves.
type Kind int

const (
	KindSocks5 Kind = iota
	KindHTTP
	KindSimplex
	KindTun
)

func (k Kind) String() string {
	switch k {
	case KindSocks5:
		return "socks5"
	case KindHTTP:
		return "http"
	case KindSimplex:
		return "simplex"
	case KindTun:
		return "tun"
	default:
		return "unknown"
	}
}

// defaultFakeSourcePoolSize is the reserved fake-source pool's address
// count, per §4.7's "e.g., 10".
const defaultFakeSourcePoolSize = 10

// defaultDNSTTL is the Fake-DNS A-record TTL, per §4.7's "e.g., 120s".
const defaultDNSTTL = 120 * time.Second

// Listener describes one ingress the server binds at startup.
type Listener struct {
	Kind Kind

	// Bind is the address a Socks5/HTTP/Simplex listener accepts on.
	Bind netip.AddrPort

	// Simplex carries the anti-probe handshake config; only meaningful
	// when Kind is KindSimplex.
	Simplex simplex.Config

	// TUNSubnet is the virtual subnet (must be at least /16, per §4.7)
	// the TUN device is bound to; only meaningful when Kind is KindTun.
	TUNSubnet netip.Prefix
	// TUNListenAddr is the plain TCP address the translator SNATs
	// outbound connections onto; the server binds a normal listener
	// here and recovers the original destination via acceptor.Tun.
	TUNListenAddr netip.AddrPort
	// TUNFakeSourcePool overrides the reserved fake-source pool size
	// (defaultFakeSourcePoolSize if zero).
	TUNFakeSourcePool int
	// TUNPortLo/TUNPortHi bound the fake source ports the translator
	// allocates from.
	TUNPortLo, TUNPortHi uint16
	// DNSTTL overrides the fake-DNS A-record TTL (defaultDNSTTL if zero).
	DNSTTL time.Duration
	// DNSUpstream answers any query the fake-DNS responder itself
	// doesn't (every non-A query); only meaningful when Kind is KindTun.
	DNSUpstream resolver.RawResolver
}

// Config is everything the server needs to run: the listeners to bind,
// the outbound connector every pipeline dials through, and (if any
// listener manages host state) the PrivilegeHandler to do it with.
type Config struct {
	Listeners []Listener
	Connector connector.Connector
	// Privilege is consulted for KindTun listeners (to create the
	// device) and, when Managed is true, to install/restore the host's
	// proxy and DNS settings around the server's lifetime.
	Privilege PrivilegeHandler
	// Managed, when true, has the server call Privilege.SetHTTPProxy /
	// SetSOCKS5Proxy / SetDNS at startup (pointing at the first listener
	// of each respective kind) and clear them again on shutdown.
	Managed bool
}

func (c Config) privilege() PrivilegeHandler {
	if c.Privilege != nil {
		return c.Privilege
	}
	return noopPrivilege{}
}

// goos is runtime.GOOS, indirected so tests can exercise validate's
// windows-rejection branch regardless of the host running the test.
var goos = runtime.GOOS

// validate rejects configurations that can never run correctly on this
// host, before Run binds anything. The TUN acceptor reads and rewrites
// raw IPv4/TCP packets off a wireguard-go TUN device; Windows has no
// equivalent of the AF_PACKET/raw-socket plumbing this relies on, so a
// TUN listener on GOOS=windows is refused here rather than failing later
// with a confusing device-open error.
func (c Config) validate() error {
	for _, lc := range c.Listeners {
		if lc.Kind == KindTun && goos == "windows" {
			return fmt.Errorf("server: tun acceptor is not supported on windows")
		}
	}
	return nil
}

// tunSubnetPools splits subnet into (dnsAddr, fakeSourcePool,
// fakeDNSPool): the first host address is the fake DNS server; the next
// poolSize addresses are reserved for the translator's fake sources; the
// remainder is handed to the Fake-DNS allocator.
func tunSubnetPools(subnet netip.Prefix, poolSize int) (dnsAddr netip.Addr, fakeSources, fakeDNS []netip.Addr, err error) {
	if poolSize <= 0 {
		poolSize = defaultFakeSourcePoolSize
	}
	if !subnet.Addr().Is4() {
		return netip.Addr{}, nil, nil, fmt.Errorf("server: tun subnet must be ipv4, got %s", subnet)
	}
	if subnet.Bits() > 16 {
		return netip.Addr{}, nil, nil, fmt.Errorf("server: tun subnet %s narrower than /16", subnet)
	}

	addrs := hostAddrs(subnet)
	needed := 1 + poolSize + 1 // dns addr + fake source pool + at least one fake-dns address
	if len(addrs) < needed {
		return netip.Addr{}, nil, nil, fmt.Errorf("server: tun subnet %s too small for pool size %d", subnet, poolSize)
	}

	dnsAddr = addrs[0]
	fakeSources = addrs[1 : 1+poolSize]
	fakeDNS = addrs[1+poolSize:]
	return dnsAddr, fakeSources, fakeDNS, nil
}

// hostAddrs enumerates the host addresses of subnet in ascending order,
// skipping the network address (all host bits zero) and the broadcast
// address (all host bits one).
func hostAddrs(subnet netip.Prefix) []netip.Addr {
	base := subnet.Masked().Addr()
	count := 1<<(32-subnet.Bits()) - 2
	if count < 0 {
		count = 0
	}
	// guard against building an enormous slice for a subnet far wider
	// than §4.7 ever calls for (a /16 is 65536 addresses; cap well above
	// that so a pathological config fails fast instead of allocating
	// gigabytes).
	if count > 1<<20 {
		count = 1 << 20
	}
	out := make([]netip.Addr, 0, count)
	addr := base.Next()
	for i := 0; i < count; i++ {
		out = append(out, addr)
		addr = addr.Next()
	}
	return out
}
