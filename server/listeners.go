// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/shrikeproxy/shrike/acceptor"
	"github.com/shrikeproxy/shrike/core"
	"github.com/shrikeproxy/shrike/internal/log"
	"github.com/shrikeproxy/shrike/tun"
)

// startListener binds lc and spawns the goroutines feeding jobs; it
// returns once the listener (or TUN device) is ready, leaving the accept
// loop running in the background for the lifetime of ctx.
func (s *Server) startListener(ctx context.Context, lc Listener, jobs chan<- job, wg *sync.WaitGroup) error {
	if lc.Kind == KindTun {
		return s.startTun(ctx, lc, jobs, wg)
	}

	var acc acceptor.Acceptor
	switch lc.Kind {
	case KindSocks5:
		acc = acceptor.Socks5{}
	case KindHTTP:
		acc = acceptor.Http{}
	case KindSimplex:
		acc = acceptor.Simplex{Config: lc.Simplex}
	default:
		return fmt.Errorf("server: unknown listener kind %d", lc.Kind)
	}

	ln, err := net.Listen("tcp", lc.Bind.String())
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", lc.Bind, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer core.Recover("server.acceptloop")
		acceptLoop(ctx, ln, acc, jobs)
	}()
	return nil
}

// acceptLoop accepts connections off ln until ctx is cancelled (observed
// indirectly: closing ln, done by the server's shutdown path, makes
// Accept return an error) and feeds each one into jobs.
func acceptLoop(ctx context.Context, ln net.Listener, acc acceptor.Acceptor, jobs chan<- job) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.D("server: accept on %s: %v", ln.Addr(), err)
			return
		}
		select {
		case jobs <- job{conn: conn, acc: acc}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// startTun creates the TUN device via the PrivilegeHandler, wires the
// translator and fake-DNS allocator from lc.TUNSubnet's address pools,
// runs the packet-dispatch Stack in the background, and binds a plain
// TCP listener at lc.TUNListenAddr feeding jobs through acceptor.Tun.
func (s *Server) startTun(ctx context.Context, lc Listener, jobs chan<- job, wg *sync.WaitGroup) error {
	dnsAddr, fakeSources, fakeDNSPool, err := tunSubnetPools(lc.TUNSubnet, lc.TUNFakeSourcePool)
	if err != nil {
		return err
	}

	dev, err := s.cfg.privilege().CreateTUNInterface(lc.TUNSubnet)
	if err != nil {
		return fmt.Errorf("server: create tun interface: %w", err)
	}
	wrapped := tun.NewDevice(dev)

	translator, err := tun.NewTranslator(lc.TUNListenAddr, fakeSources, lc.TUNPortLo, lc.TUNPortHi)
	if err != nil {
		_ = wrapped.Close()
		return fmt.Errorf("server: build translator: %w", err)
	}

	alloc, err := tun.NewAllocator(fakeDNSPool)
	if err != nil {
		_ = wrapped.Close()
		return fmt.Errorf("server: build fake-dns allocator: %w", err)
	}

	ttl := lc.DNSTTL
	if ttl <= 0 {
		ttl = defaultDNSTTL
	}
	fdns := tun.NewFakeDNS(alloc, lc.DNSUpstream, ttl)
	stack := tun.NewStack(wrapped, fdns, translator, dnsAddr, 53)

	s.mu.Lock()
	s.devices = append(s.devices, wrapped)
	s.mu.Unlock()

	ln, err := net.Listen("tcp", lc.TUNListenAddr.String())
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", lc.TUNListenAddr, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	dnsPort := netip.AddrPortFrom(dnsAddr, 53)
	s.tunDNS = &dnsPort

	acc := acceptor.Tun{Translator: translator, DNS: fdns}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer core.Recover("server.tunstack")
		if err := stack.Run(ctx); err != nil && ctx.Err() == nil {
			log.W("server: tun stack: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer core.Recover("server.acceptloop")
		acceptLoop(ctx, ln, acc, jobs)
	}()
	return nil
}
