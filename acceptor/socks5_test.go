// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package acceptor_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/txthinking/socks5"

	"github.com/shrikeproxy/shrike/acceptor"
	"github.com/shrikeproxy/shrike/internal/xio"
)

func TestSocks5AcceptsDomainConnect(t *testing.T) {
	client, server := xio.Pipe(4096)
	defer client.Close()

	type result struct {
		ep  interface{ String() string }
		err error
	}
	done := make(chan result, 1)
	go func() {
		ep, finalize, err := acceptor.Socks5{}.Accept(context.Background(), server)
		if err != nil {
			done <- result{nil, err}
			return
		}
		out, ferr := finalize(context.Background(), nil, nil)
		require.NoError(t, ferr)
		require.Equal(t, server, out)
		done <- result{ep, nil}
	}()

	// greeting: version 5, one method, no-auth
	_, err := client.Write([]byte{socks5.Ver5, 1, socks5.MethodNone})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{socks5.Ver5, socks5.MethodNone}, reply)

	// request: CONNECT example.com:443 via ATYPDomain
	host := "example.com"
	req := []byte{socks5.Ver5, socks5.CmdConnect, 0, socks5.ATYPDomain}
	req = append(req, byte(len(host)))
	req = append(req, host...)
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, 443)
	req = append(req, port...)
	_, err = client.Write(req)
	require.NoError(t, err)

	boundReply := make([]byte, 10)
	_, err = client.Read(boundReply)
	require.NoError(t, err)
	assert.Equal(t, byte(socks5.Ver5), boundReply[0])
	assert.Equal(t, byte(socks5.RepSuccess), boundReply[1])

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "example.com:443", r.ep.String())
}

func TestSocks5WritesServerFailureReplyOnUpstreamError(t *testing.T) {
	client, server := xio.Pipe(4096)
	defer client.Close()

	upstreamErr := assertErr
	done := make(chan error, 1)
	go func() {
		_, finalize, err := acceptor.Socks5{}.Accept(context.Background(), server)
		if err != nil {
			done <- err
			return
		}
		_, ferr := finalize(context.Background(), nil, upstreamErr)
		done <- ferr
	}()

	_, err := client.Write([]byte{socks5.Ver5, 1, socks5.MethodNone})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = client.Read(reply)
	require.NoError(t, err)

	req := []byte{socks5.Ver5, socks5.CmdConnect, 0, socks5.ATYPIPv4, 93, 184, 216, 34, 1, 187}
	_, err = client.Write(req)
	require.NoError(t, err)

	boundReply := make([]byte, 10)
	_, err = client.Read(boundReply)
	require.NoError(t, err)
	assert.Equal(t, byte(socks5.RepServerFailure), boundReply[1])

	ferr := <-done
	assert.ErrorIs(t, ferr, upstreamErr)
}

var assertErr = &testError{"upstream connect failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
