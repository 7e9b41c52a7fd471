// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"

	"github.com/shrikeproxy/shrike/internal/log"
)

// UDP is a recursive-style resolver that forwards queries to a fixed set of
// upstream nameservers over UDP. It is required (instead of System) when the
// TUN acceptor is in play, since a system resolver would loop DNS traffic
// back through the TUN device it is meant to serve.
type UDP struct {
	upstreams []string
	timeout   time.Duration
	client    *dns.Client
	cache     *cache.Cache
}

var (
	_ Resolver    = (*UDP)(nil)
	_ RawResolver = (*UDP)(nil)
)

// NewUDP builds a UDP resolver querying upstreams (host:port) with a shared
// per-query timeout. Successful answers are cached for their asserted TTL.
func NewUDP(upstreams []string, timeout time.Duration) *UDP {
	return &UDP{
		upstreams: upstreams,
		timeout:   timeout,
		client:    &dns.Client{Net: "udp", Timeout: timeout},
		cache:     cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

func (u *UDP) exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, up := range u.upstreams {
		in, _, err := u.client.ExchangeContext(ctx, q, up)
		if err != nil {
			lastErr = err
			log.D("resolver: udp: %s via %s failed: %v", q.Question[0].Name, up, err)
			continue
		}
		return in, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("resolver: udp: no upstreams configured")
	}
	return nil, lastErr
}

func (u *UDP) lookup(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	ckey := fmt.Sprintf("%s|%d", host, qtype)
	if v, ok := u.cache.Get(ckey); ok {
		return v.([]netip.Addr), nil
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), qtype)
	q.RecursionDesired = true

	in, err := u.exchange(ctx, q)
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	var minTTL uint32 = 3600
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(v.A.To4()); ok {
				out = append(out, ip)
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
				out = append(out, ip)
			}
		default:
			continue
		}
		if h := rr.Header(); h.Ttl < minTTL {
			minTTL = h.Ttl
		}
	}

	result, err := dedupeEmpty(out, nil)
	if err != nil {
		return nil, err
	}

	u.cache.Set(ckey, result, time.Duration(minTTL)*time.Second)
	return result, nil
}

func (u *UDP) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	return u.lookup(ctx, host, dns.TypeA)
}

func (u *UDP) LookupIPv6(ctx context.Context, host string) ([]netip.Addr, error) {
	return u.lookup(ctx, host, dns.TypeAAAA)
}

func (u *UDP) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	v4, err4 := u.LookupIPv4(ctx, host)
	v6, err6 := u.LookupIPv6(ctx, host)
	if err4 != nil && err6 != nil {
		return nil, err4
	}
	return append(v4, v6...), nil
}

// LookupRaw forwards msg verbatim, preserving its query id on the reply even
// though some upstream libraries assign their own transaction id in transit.
func (u *UDP) LookupRaw(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	id := msg.Id
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	in, err := u.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	in.Id = id
	return in, nil
}
