// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rule implements the rule-chain connector: an ordered list of
// (predicate, connector) entries where the first matching predicate's
// connector handles the connection.
package rule

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shrikeproxy/shrike/connector"
	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/internal/log"
	"github.com/shrikeproxy/shrike/resolver"
)

// ErrNoMatch is returned by the chain when no entry's predicate matched.
var ErrNoMatch = errors.New("rule: no rule matched")

// Predicate decides whether an endpoint should be routed to its connector.
// resolve is the rule chain's shared resolver, used by predicates that need
// to turn a Domain endpoint into IPs (Ip, GeoIp, DnsFail).
type Predicate interface {
	Match(ctx context.Context, ep endpoint.Endpoint, resolve resolver.Resolver) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(ctx context.Context, ep endpoint.Endpoint, resolve resolver.Resolver) bool

func (f PredicateFunc) Match(ctx context.Context, ep endpoint.Endpoint, resolve resolver.Resolver) bool {
	return f(ctx, ep, resolve)
}

// Entry binds one predicate to the connector that should handle a match.
type Entry struct {
	Predicate Predicate
	Connector connector.Connector
}

// Chain walks Entries in order and dispatches to the first match.
type Chain struct {
	entries  []Entry
	resolver resolver.Resolver
	memoSize int
}

var _ connector.Connector = (*Chain)(nil)

// NewChain builds a rule chain. resolve is shared by every predicate that
// needs to resolve a Domain endpoint (Ip, GeoIp, DnsFail); a small LRU memo
// (capacity memoSize), built afresh for each Connect call, avoids
// re-resolving the same domain once per predicate when several of them
// need IPs for the same endpoint.
func NewChain(entries []Entry, resolve resolver.Resolver, memoSize int) *Chain {
	if memoSize <= 0 {
		memoSize = 64
	}
	return &Chain{entries: entries, resolver: resolve, memoSize: memoSize}
}

func (m memoResolver) resolveMemo(ctx context.Context, host string) ([]netip.Addr, error) {
	if v, ok := m.ipMemo.Get(host); ok {
		return v, nil
	}
	ips, err := m.Chain.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	m.ipMemo.Add(host, ips)
	return ips, nil
}

// memoResolver carries one Connect call's per-domain LRU for LookupIP
// (what Ip, GeoIp, and DnsFail all call), so a chain running two of those
// predicates over the same endpoint resolves it at most once.
type memoResolver struct {
	*Chain
	ipMemo *lru.Cache[string, []netip.Addr]
}

var _ resolver.Resolver = memoResolver{}

func (m memoResolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return m.resolveMemo(ctx, host)
}
func (m memoResolver) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	return m.Chain.resolver.LookupIPv4(ctx, host)
}
func (m memoResolver) LookupIPv6(ctx context.Context, host string) ([]netip.Addr, error) {
	return m.Chain.resolver.LookupIPv6(ctx, host)
}

// Connect implements connector.Connector: first-match wins.
func (c *Chain) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	memo, _ := lru.New[string, []netip.Addr](c.memoSize)
	mr := memoResolver{Chain: c, ipMemo: memo}
	for i, e := range c.entries {
		if e.Predicate.Match(ctx, ep, mr) {
			log.D("rule: endpoint %s matched entry %d", ep, i)
			return e.Connector.Connect(ctx, ep)
		}
	}
	log.W("rule: no rule matched for %s", ep)
	return nil, ErrNoMatch
}

// All always matches.
type All struct{}

func (All) Match(context.Context, endpoint.Endpoint, resolver.Resolver) bool { return true }

// DnsFail matches domains that fail to resolve, or resolve to nothing.
type DnsFail struct{}

func (DnsFail) Match(ctx context.Context, ep endpoint.Endpoint, resolve resolver.Resolver) bool {
	if !ep.IsDomain() {
		return false
	}
	ips, err := resolve.LookupIP(ctx, ep.Host())
	if err != nil || len(ips) == 0 {
		log.D("rule: dnsfail: %s resolve failed or empty (%v)", ep.Host(), err)
		return true
	}
	return false
}

// DomainMode selects how Domain.Match compares the endpoint's host.
type DomainMode int

const (
	Prefix DomainMode = iota
	Suffix
	Keyword
	Regex
)

// Domain matches a Domain endpoint's (trailing-dot-stripped) host against
// one or more modes; any mode matching is a match.
type Domain struct {
	modes []domainMatcher
}

type domainMatcher struct {
	mode DomainMode
	s    string
	re   *regexp.Regexp
}

// NewDomain builds a Domain predicate. For Regex mode, s is compiled with
// stdlib regexp (no ecosystem regex engine appears anywhere in the pack, and
// Go's RE2-based regexp is the only sane choice here, see DESIGN.md).
func NewDomain(mode DomainMode, s string) (domainMatcher, error) {
	m := domainMatcher{mode: mode, s: s}
	if mode == Regex {
		re, err := regexp.Compile(s)
		if err != nil {
			return domainMatcher{}, err
		}
		m.re = re
	}
	return m, nil
}

// NewDomainRule builds a Domain predicate out of one or more pre-built
// matchers (see NewDomain).
func NewDomainRule(matchers ...domainMatcher) Domain {
	return Domain{modes: matchers}
}

func (d Domain) Match(_ context.Context, ep endpoint.Endpoint, _ resolver.Resolver) bool {
	if !ep.IsDomain() {
		return false
	}
	host := strings.TrimSuffix(ep.Host(), ".")
	for _, m := range d.modes {
		var ok bool
		switch m.mode {
		case Prefix:
			ok = strings.HasPrefix(host, m.s)
		case Suffix:
			ok = strings.HasSuffix(host, m.s)
		case Keyword:
			ok = strings.Contains(host, m.s)
		case Regex:
			ok = m.re.MatchString(host)
		}
		if ok {
			log.D("rule: domain: %s matched mode %d (%s)", host, m.mode, m.s)
			return true
		}
	}
	return false
}

// Ip matches an endpoint whose IP (direct, or any resolved IP for a
// Domain) falls inside one of subnets.
type Ip struct {
	subnets []netip.Prefix
}

func NewIp(subnets ...netip.Prefix) Ip { return Ip{subnets: subnets} }

func (r Ip) contains(ip netip.Addr) bool {
	for _, s := range r.subnets {
		if s.Contains(ip) {
			return true
		}
	}
	return false
}

func (r Ip) Match(ctx context.Context, ep endpoint.Endpoint, resolve resolver.Resolver) bool {
	if ep.IsAddr() {
		return r.contains(ep.AddrPort().Addr())
	}
	ips, err := resolve.LookupIP(ctx, ep.Host())
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if r.contains(ip) {
			return true
		}
	}
	return false
}

// GeoReader looks up the ISO alpha-2 country code for an IP, matching the
// original's MaxMind-reader seam (specht-config/src/engine/geoip.rs). A
// lookup miss (not found in the database) must be reported distinctly from
// a reader error so GeoIp can treat both as "no match" per spec.
type GeoReader interface {
	Country(ip netip.Addr) (iso string, found bool, err error)
}

// GeoIp matches an endpoint whose country code equals (or, if Equal is
// false, does not equal) Country.
type GeoIp struct {
	reader  GeoReader
	country string
	equal   bool
}

func NewGeoIp(reader GeoReader, country string, equal bool) GeoIp {
	return GeoIp{reader: reader, country: strings.ToUpper(country), equal: equal}
}

func (g GeoIp) matchIP(ip netip.Addr) bool {
	iso, found, err := g.reader.Country(ip)
	if err != nil {
		log.W("rule: geoip: reader error for %s: %v", ip, err)
		return false
	}
	if !found {
		return false
	}
	return (iso == g.country) == g.equal
}

func (g GeoIp) Match(ctx context.Context, ep endpoint.Endpoint, resolve resolver.Resolver) bool {
	if ep.IsAddr() {
		return g.matchIP(ep.AddrPort().Addr())
	}
	ips, err := resolve.LookupIP(ctx, ep.Host())
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if g.matchIP(ip) {
			return true
		}
	}
	return false
}
