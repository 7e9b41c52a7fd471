// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/internal/log"
	"github.com/shrikeproxy/shrike/resolver"
)

// attemptDelay is the RFC 8305 staggering interval between successive
// connection attempts.
const attemptDelay = 250 * time.Millisecond

// Tcp is the leaf connector: IP-literal endpoints dial directly; Domain
// endpoints race interleaved IPv4/IPv6 addresses (happy eyeballs).
type Tcp struct {
	resolver resolver.Resolver
	dialer   net.Dialer
}

var _ Connector = (*Tcp)(nil)

// NewTcp builds a Tcp connector using resolve for Domain endpoints.
func NewTcp(resolve resolver.Resolver) *Tcp {
	return &Tcp{resolver: resolve}
}

func (t *Tcp) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	if ep.IsAddr() {
		c, err := t.dialer.DialContext(ctx, "tcp", ep.String())
		if err != nil {
			return nil, err
		}
		enableKeepalive(c)
		return c, nil
	}
	c, err := t.happyEyeballs(ctx, ep.Host(), ep.Port())
	if err != nil {
		return nil, err
	}
	enableKeepalive(c)
	return c, nil
}

func enableKeepalive(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(60 * time.Second)
	}
}

// interleave alternates between two address lists so that no protocol is
// preferred over the other, per spec.md §4.5's tie-break rule.
func interleave(a, b []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(a)+len(b))
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			out = append(out, a[i])
		}
		if i < len(b) {
			out = append(out, b[i])
		}
	}
	return out
}

type dialResult struct {
	conn net.Conn
	err  error
}

// happyEyeballs implements spec.md §4.5: concurrent A/AAAA lookups feeding
// an interleaved address stream; a new attempt starts every attemptDelay,
// or immediately when the previous attempt errors; first success wins.
func (t *Tcp) happyEyeballs(ctx context.Context, host string, port uint16) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type lookup struct {
		addrs []netip.Addr
		err   error
	}
	v4ch := make(chan lookup, 1)
	v6ch := make(chan lookup, 1)
	go func() {
		addrs, err := t.resolver.LookupIPv4(ctx, host)
		v4ch <- lookup{addrs, err}
	}()
	go func() {
		addrs, err := t.resolver.LookupIPv6(ctx, host)
		v6ch <- lookup{addrs, err}
	}()

	var v4, v6 []netip.Addr
	var v4done, v6done bool
	var addrs []netip.Addr
	nextAddr := 0

	results := make(chan dialResult)
	inFlight := 0

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	timerArmed := false

	// startNext launches the next untried address, if any, and (re)arms
	// the staggering timer for the one after it.
	startNext := func() bool {
		if nextAddr >= len(addrs) {
			return false
		}
		a := addrs[nextAddr]
		nextAddr++
		inFlight++
		go func(a netip.Addr) {
			var d net.Dialer
			c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.String(), fmt.Sprint(port)))
			results <- dialResult{c, err}
		}(a)
		timer.Reset(attemptDelay)
		timerArmed = true
		return true
	}

	resolving := func() bool { return !v4done || !v6done }

	for {
		if !resolving() && len(addrs) == 0 {
			return nil, fmt.Errorf("connector: tcp: %w", errFailedToResolve)
		}
		select {
		case r := <-v4ch:
			v4done = true
			if r.err == nil {
				v4 = r.addrs
				addrs = interleave(v4, v6)
			}
			if inFlight == 0 && !timerArmed {
				startNext()
			}
		case r := <-v6ch:
			v6done = true
			if r.err == nil {
				v6 = r.addrs
				addrs = interleave(v4, v6)
			}
			if inFlight == 0 && !timerArmed {
				startNext()
			}
		case r := <-results:
			inFlight--
			if r.err == nil {
				return r.conn, nil
			}
			log.D("connector: tcp: happy-eyeballs attempt failed: %v", r.err)
			if !startNext() && inFlight == 0 && !resolving() {
				if len(addrs) == 0 {
					return nil, fmt.Errorf("connector: tcp: %w", errFailedToResolve)
				}
				return nil, fmt.Errorf("connector: tcp: %w", errFailedToResolveOrConnect)
			}
		case <-timer.C:
			timerArmed = false
			if !startNext() && inFlight == 0 && !resolving() {
				return nil, fmt.Errorf("connector: tcp: %w", errFailedToResolveOrConnect)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var (
	errFailedToResolve          = errors.New("failed to resolve")
	errFailedToResolveOrConnect = errors.New("failed to resolve or connect to any address")
)
