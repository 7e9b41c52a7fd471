// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package acceptor_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrikeproxy/shrike/acceptor"
	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/simplex"
)

func simplexTestConfig() simplex.Config {
	return simplex.Config{
		Path:              "/tunnel",
		SecretHeaderName:  "X-Simplex-Secret",
		SecretHeaderValue: "correct-horse-battery-staple",
	}
}

// simplexTCPPair dials a real loopback TCP connection: the wire path
// simplex.DialOverConn and the raw upgrade handshake in acceptor.Simplex
// are both designed to run over, same as simplex/simplex_test.go's own
// httptest-backed coverage.
func simplexTCPPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptedCh
	return client, server
}

func TestSimplexAcceptsValidUpgradeAndTunnelsData(t *testing.T) {
	clientConn, serverConn := simplexTCPPair(t)
	cfg := simplexTestConfig()
	target := endpoint.Domain("upstream.example.com", 443)

	done := make(chan struct {
		ep  endpoint.Endpoint
		err error
	}, 1)

	var finalize acceptor.Finalize
	go func() {
		ep, f, err := acceptor.Simplex{Config: cfg}.Accept(context.Background(), serverConn)
		finalize = f
		done <- struct {
			ep  endpoint.Endpoint
			err error
		}{ep, err}
	}()

	// the client's dial only returns once finalize has sent the 101, so it
	// runs alongside the server side rather than ahead of it.
	type dialResult struct {
		conn *simplex.Conn
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		c, err := simplex.DialOverConn(context.Background(), clientConn, "shrike.internal", cfg, target)
		dialed <- dialResult{c, err}
	}()

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.ep.Equal(target))

	serverTunnel, ferr := finalize(context.Background(), nil, nil)
	require.NoError(t, ferr)
	defer serverTunnel.Close()

	d := <-dialed
	require.NoError(t, d.err)
	clientTunnel := d.conn
	defer clientTunnel.Close()

	_, err := clientTunnel.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := serverTunnel.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestSimplexRejectsWrongSecretWithDecoyResponse(t *testing.T) {
	clientConn, serverConn := simplexTCPPair(t)
	cfg := simplexTestConfig()

	done := make(chan error, 1)
	go func() {
		_, _, err := acceptor.Simplex{Config: cfg}.Accept(context.Background(), serverConn)
		done <- err
	}()

	req, err := http.NewRequest(http.MethodGet, cfg.Path, nil)
	require.NoError(t, err)
	req.Host = "shrike.internal"
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set(cfg.SecretHeaderName, "wrong-secret")
	req.Header.Set("Simplex-Endpoint", "upstream.example.com:443")
	require.NoError(t, req.Write(clientConn))

	br := bufio.NewReader(clientConn)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a rejected probe must look like an ordinary 200, not an error")

	acceptErr := <-done
	assert.ErrorIs(t, acceptErr, simplex.ErrProbeRejected)
}

func TestSimplexFinalizeSendsDecoyOnUpstreamFailure(t *testing.T) {
	clientConn, serverConn := simplexTCPPair(t)
	cfg := simplexTestConfig()
	target := endpoint.Domain("upstream.example.com", 443)

	var finalize acceptor.Finalize
	done := make(chan error, 1)
	go func() {
		_, f, err := acceptor.Simplex{Config: cfg}.Accept(context.Background(), serverConn)
		finalize = f
		done <- err
	}()

	clientErrCh := make(chan error, 1)
	go func() {
		_, err := simplex.DialOverConn(context.Background(), clientConn, "shrike.internal", cfg, target)
		clientErrCh <- err
	}()

	require.NoError(t, <-done)
	_, ferr := finalize(context.Background(), nil, assertErr)
	require.ErrorIs(t, ferr, assertErr)

	// the client's WebSocket dial must fail closed (it never sees a 101),
	// since finalize answered with a decoy 200 instead.
	select {
	case err := <-clientErrCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("client dial did not observe the decoy response in time")
	}
}
