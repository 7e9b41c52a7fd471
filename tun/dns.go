// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/shrikeproxy/shrike/internal/log"
	"github.com/shrikeproxy/shrike/resolver"
)

// FakeDNS answers A queries for any domain with a freshly or previously
// allocated fake address, and forwards everything else upstream. It is the
// glue between the Allocator and the raw resolver the rest of the proxy
// already uses for real lookups.
type FakeDNS struct {
	alloc    *Allocator
	upstream resolver.RawResolver
	ttl      time.Duration
}

// NewFakeDNS builds a FakeDNS responder whose A-record answers carry ttl
// (§4.7 suggests 120s) and whose non-A queries are forwarded via upstream.
func NewFakeDNS(alloc *Allocator, upstream resolver.RawResolver, ttl time.Duration) *FakeDNS {
	return &FakeDNS{alloc: alloc, upstream: upstream, ttl: ttl}
}

// Handle answers a DNS request, synthesizing an A record for a single
// question of type A and forwarding anything else verbatim.
func (f *FakeDNS) Handle(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if q := aQuestion(req); q != nil {
		return f.answerA(req, *q)
	}
	return f.upstream.LookupRaw(ctx, req)
}

func aQuestion(req *dns.Msg) *dns.Question {
	for i := range req.Question {
		if req.Question[i].Qtype == dns.TypeA {
			return &req.Question[i]
		}
	}
	return nil
}

func (f *FakeDNS) answerA(req *dns.Msg, q dns.Question) (*dns.Msg, error) {
	domain := dns.Fqdn(q.Name)
	ip, err := f.alloc.Allocate(trimFqdn(domain))
	if err != nil {
		return nil, fmt.Errorf("tun: fakedns: allocate %q: %w", domain, err)
	}
	if !ip.Is4() {
		return nil, fmt.Errorf("tun: fakedns: allocated non-ipv4 address for %q", domain)
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	as4 := ip.As4()
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: uint32(f.ttl.Seconds())},
		A:   as4[:],
	}}
	return resp, nil
}

func trimFqdn(name string) string {
	if len(name) > 0 && name[len(name)-1] == '.' {
		return name[:len(name)-1]
	}
	return name
}

// ReverseLookup recovers the domain a fake address was allocated for.
func (f *FakeDNS) ReverseLookup(ip netip.Addr) (string, bool) {
	return f.alloc.Reverse(ip)
}

func logDrop(what string, err error) {
	log.D("tun: dropping %s: %v", what, err)
}
