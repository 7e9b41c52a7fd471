// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package server drives the §4.9 server loop: for every configured
// listener it produces a stream of accepted connections paired with the
// acceptor that should read them, merges those streams, and spawns a
// pipeline task per item that runs the accept/connect/finalize/copy
// sequence. Everything privileged or host-specific (installing a system
// proxy, creating the TUN interface) is delegated to a PrivilegeHandler
// supplied by the embedder; this package never touches either directly.
package server

import (
	"net/netip"

	wgtun "golang.zx2c4.com/wireguard/tun"
)

// PrivilegeHandler is the seam between the core and whatever embedder
// manages host-level state: installing/clearing the system's proxy and
// DNS settings, and creating the TUN device the core reads and writes
// raw packets through. A nil *netip.AddrPort passed to the Set* methods
// means "clear this setting".
type PrivilegeHandler interface {
	SetHTTPProxy(addr *netip.AddrPort) error
	SetSOCKS5Proxy(addr *netip.AddrPort) error
	SetDNS(addr *netip.AddrPort) error
	// CreateTUNInterface opens (and, on platforms where this matters,
	// assigns an address and installs routes for) a TUN device bound to
	// subnet. The returned device is handed back already configured;
	// this package only reads and writes packets through it.
	CreateTUNInterface(subnet netip.Prefix) (wgtun.Device, error)
}

// noopPrivilege is used in place of a nil PrivilegeHandler for
// configurations that manage no host settings (every listener plain TCP,
// no TUN acceptor configured).
type noopPrivilege struct{}

func (noopPrivilege) SetHTTPProxy(*netip.AddrPort) error   { return nil }
func (noopPrivilege) SetSOCKS5Proxy(*netip.AddrPort) error { return nil }
func (noopPrivilege) SetDNS(*netip.AddrPort) error         { return nil }
func (noopPrivilege) CreateTUNInterface(netip.Prefix) (wgtun.Device, error) {
	panic("server: CreateTUNInterface called with no PrivilegeHandler configured")
}
