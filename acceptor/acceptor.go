// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package acceptor implements the ingress side of the proxy: reading
// enough of a client's opening bytes to learn the destination
// endpoint, then deferring the success/failure reply until the server
// loop knows whether the outbound connector succeeded.
package acceptor

import (
	"context"
	"net"

	"github.com/shrikeproxy/shrike/endpoint"
)

// Finalize sends the ingress protocol's success or failure reply and
// returns the stream the server loop should bidirectionally copy
// against upstream. upstream is the connector's result (nil on
// failure); upstreamErr is non-nil when the connector failed, in
// which case Finalize still runs (to send a failure reply) and its
// returned conn, if any, must not be used for further I/O.
type Finalize func(ctx context.Context, upstream net.Conn, upstreamErr error) (net.Conn, error)

// Acceptor reads whatever one ingress protocol needs to determine the
// destination endpoint, without sending a response yet.
type Acceptor interface {
	Accept(ctx context.Context, conn net.Conn) (endpoint.Endpoint, Finalize, error)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
