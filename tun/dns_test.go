// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrikeproxy/shrike/tun"
)

// stubUpstream answers every LookupRaw call with a fixed, canned reply so
// tests can tell an A-record short-circuit apart from an upstream forward.
type stubUpstream struct {
	called bool
	reply  *dns.Msg
	err    error
}

func (s *stubUpstream) LookupIP(context.Context, string) ([]netip.Addr, error)   { return nil, nil }
func (s *stubUpstream) LookupIPv4(context.Context, string) ([]netip.Addr, error) { return nil, nil }
func (s *stubUpstream) LookupIPv6(context.Context, string) ([]netip.Addr, error) { return nil, nil }

func (s *stubUpstream) LookupRaw(_ context.Context, req *dns.Msg) (*dns.Msg, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	resp := s.reply.Copy()
	resp.Id = req.Id
	return resp, nil
}

func aQuery(name string) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return req
}

func TestFakeDNSAnswersAWithAllocatedAddress(t *testing.T) {
	alloc, err := tun.NewAllocator(pool(4))
	require.NoError(t, err)
	upstream := &stubUpstream{reply: new(dns.Msg)}
	fdns := tun.NewFakeDNS(alloc, upstream, 120*time.Second)

	resp, err := fdns.Handle(context.Background(), aQuery("example.com"))
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "example.com.", a.Hdr.Name)
	assert.Equal(t, uint32(120), a.Hdr.Ttl)
	assert.False(t, upstream.called, "an A query must not reach upstream")

	expected, err := alloc.Allocate("example.com")
	require.NoError(t, err)
	gotIP, ok := netip.AddrFromSlice(a.A)
	require.True(t, ok)
	assert.Equal(t, expected, gotIP.Unmap())
}

func TestFakeDNSForwardsNonAQueries(t *testing.T) {
	alloc, err := tun.NewAllocator(pool(4))
	require.NoError(t, err)
	canned := new(dns.Msg)
	canned.Answer = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeTXT, Class: dns.ClassINET},
		Txt: []string{"hello"},
	}}
	upstream := &stubUpstream{reply: canned}
	fdns := tun.NewFakeDNS(alloc, upstream, 120*time.Second)

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("example.com"), dns.TypeTXT)

	resp, err := fdns.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, upstream.called)
	require.Len(t, resp.Answer, 1)
	txt, ok := resp.Answer[0].(*dns.TXT)
	require.True(t, ok)
	assert.Equal(t, []string{"hello"}, txt.Txt)
}

func TestFakeDNSReverseLookupMatchesAllocation(t *testing.T) {
	alloc, err := tun.NewAllocator(pool(4))
	require.NoError(t, err)
	fdns := tun.NewFakeDNS(alloc, &stubUpstream{reply: new(dns.Msg)}, time.Minute)

	resp, err := fdns.Handle(context.Background(), aQuery("reverse.example.com"))
	require.NoError(t, err)
	a := resp.Answer[0].(*dns.A)
	ip, ok := netip.AddrFromSlice(a.A)
	require.True(t, ok)

	domain, ok := fdns.ReverseLookup(ip.Unmap())
	require.True(t, ok)
	assert.Equal(t, "reverse.example.com", domain)
}
