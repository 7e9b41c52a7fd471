// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrikeproxy/shrike/acceptor"
	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/internal/xio"
)

func TestTunSubnetPoolsPartitionsAddressSpace(t *testing.T) {
	subnet := netip.MustParsePrefix("10.77.0.0/16")
	dnsAddr, fakeSources, fakeDNS, err := tunSubnetPools(subnet, 10)
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("10.77.0.1"), dnsAddr)
	assert.Len(t, fakeSources, 10)
	assert.Equal(t, netip.MustParseAddr("10.77.0.2"), fakeSources[0])
	assert.Equal(t, netip.MustParseAddr("10.77.0.11"), fakeSources[9])
	assert.NotEmpty(t, fakeDNS)
	assert.Equal(t, netip.MustParseAddr("10.77.0.12"), fakeDNS[0])

	seen := map[netip.Addr]bool{dnsAddr: true}
	for _, a := range fakeSources {
		assert.False(t, seen[a], "fake source pool must not repeat an address")
		seen[a] = true
	}
	for _, a := range fakeDNS[:20] {
		assert.False(t, seen[a], "fake-dns pool must not overlap the reserved pools")
	}
}

func TestTunSubnetPoolsRejectsNarrowerThan16(t *testing.T) {
	_, _, _, err := tunSubnetPools(netip.MustParsePrefix("10.77.0.0/24"), 10)
	assert.Error(t, err)
}

func TestConfigValidateRejectsTunOnWindows(t *testing.T) {
	old := goos
	goos = "windows"
	defer func() { goos = old }()

	cfg := Config{Listeners: []Listener{{Kind: KindTun}}}
	assert.Error(t, cfg.validate())
}

func TestConfigValidateAllowsTunOffWindows(t *testing.T) {
	old := goos
	goos = "linux"
	defer func() { goos = old }()

	cfg := Config{Listeners: []Listener{{Kind: KindTun}}}
	assert.NoError(t, cfg.validate())
}

func TestConfigValidateAllowsNonTunOnWindows(t *testing.T) {
	old := goos
	goos = "windows"
	defer func() { goos = old }()

	cfg := Config{Listeners: []Listener{{Kind: KindSocks5}}}
	assert.NoError(t, cfg.validate())
}

// stubAcceptor returns a fixed endpoint and lets the test control Finalize.
type stubAcceptor struct {
	ep       endpoint.Endpoint
	finalize acceptor.Finalize
	err      error
}

func (s stubAcceptor) Accept(context.Context, net.Conn) (endpoint.Endpoint, acceptor.Finalize, error) {
	return s.ep, s.finalize, s.err
}

// stubConnector returns a fixed conn/error regardless of endpoint.
type stubConnector struct {
	conn net.Conn
	err  error
}

func (s stubConnector) Connect(context.Context, endpoint.Endpoint) (net.Conn, error) {
	return s.conn, s.err
}

func TestPipelineCopiesBothDirectionsOnSuccess(t *testing.T) {
	clientSide, ingress := xio.Pipe(4096)
	upstreamSide, upstream := xio.Pipe(4096)

	finalize := func(_ context.Context, _ net.Conn, upstreamErr error) (net.Conn, error) {
		require.NoError(t, upstreamErr)
		return ingress, nil
	}
	s := New(Config{Connector: stubConnector{conn: upstream}})

	done := make(chan struct{})
	go func() {
		s.pipeline(context.Background(), ingress, stubAcceptor{
			ep:       endpoint.Domain("example.com", 443),
			finalize: finalize,
		})
		close(done)
	}()

	_, err := clientSide.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = upstreamSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = upstreamSide.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = clientSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	clientSide.Close()
	upstreamSide.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not finish after both sides closed")
	}
}

func TestPipelineClosesBothSidesOnConnectFailure(t *testing.T) {
	connectErr := errors.New("boom")
	_, ingress := xio.Pipe(4096)

	finalizeCalled := false
	finalize := func(_ context.Context, upstream net.Conn, upstreamErr error) (net.Conn, error) {
		finalizeCalled = true
		assert.ErrorIs(t, upstreamErr, connectErr)
		assert.Nil(t, upstream)
		return nil, upstreamErr
	}

	s := New(Config{Connector: stubConnector{err: connectErr}})
	s.pipeline(context.Background(), ingress, stubAcceptor{
		ep:       endpoint.Domain("example.com", 443),
		finalize: finalize,
	})

	assert.True(t, finalizeCalled, "finalize must still run so it can send a failure reply")
	_, err := ingress.Write([]byte("x"))
	assert.Error(t, err, "ingress connection must be closed after a connect failure")
}

func TestPipelineLeavesHandoffToAcceptorWhenFinalizeReturnsNil(t *testing.T) {
	_, upstream := xio.Pipe(4096)
	_, ingress := xio.Pipe(4096)

	finalize := func(context.Context, net.Conn, error) (net.Conn, error) {
		// mimics acceptor.Http's relay loop: it takes over both conns
		// itself and tells the server there is nothing left to copy.
		return nil, nil
	}

	s := New(Config{Connector: stubConnector{conn: upstream}})
	s.pipeline(context.Background(), ingress, stubAcceptor{
		ep:       endpoint.Domain("example.com", 80),
		finalize: finalize,
	})

	// the pipeline must not have closed either connection on our behalf.
	_, err := upstream.Write([]byte("still alive"))
	assert.NoError(t, err)
}
