// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package endpoint_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrikeproxy/shrike/endpoint"
)

func TestParseDomain(t *testing.T) {
	ep, err := endpoint.Parse("example.com:443")
	require.NoError(t, err)
	assert.True(t, ep.IsDomain())
	assert.False(t, ep.IsAddr())
	assert.Equal(t, "example.com", ep.Host())
	assert.Equal(t, uint16(443), ep.Port())
	assert.Equal(t, "example.com:443", ep.String())
}

func TestParseIPv4Literal(t *testing.T) {
	ep, err := endpoint.Parse("192.0.2.1:80")
	require.NoError(t, err)
	assert.True(t, ep.IsAddr())
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), ep.AddrPort().Addr())
	assert.Equal(t, "192.0.2.1", ep.Hostname())
}

func TestParseIPv6Literal(t *testing.T) {
	ep, err := endpoint.Parse("[2001:db8::1]:80")
	require.NoError(t, err)
	assert.True(t, ep.IsAddr())
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), ep.AddrPort().Addr())
}

func TestParseRejectsMissingPort(t *testing.T) {
	_, err := endpoint.Parse("example.com")
	assert.ErrorIs(t, err, endpoint.ErrInvalidFormat)
}

func TestParseRejectsNonNumericPort(t *testing.T) {
	_, err := endpoint.Parse("example.com:https")
	assert.ErrorIs(t, err, endpoint.ErrInvalidPort)
}

func TestEqualComparesKindHostAndPort(t *testing.T) {
	a := endpoint.Domain("example.com", 443)
	b := endpoint.Domain("example.com", 443)
	c := endpoint.Domain("example.com", 80)
	d := endpoint.Addr(netip.MustParseAddr("192.0.2.1"), 443)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c), "different ports must not be equal")
	assert.False(t, a.Equal(d), "a domain and an addr endpoint must never be equal")
}

func TestHostnameUsesAddrStringForResolvedEndpoints(t *testing.T) {
	ep := endpoint.Addr(netip.MustParseAddr("198.51.100.7"), 8080)
	assert.Equal(t, "198.51.100.7", ep.Hostname())
}
