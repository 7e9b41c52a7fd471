// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xio holds small net.Conn helpers shared by acceptors and
// connectors: a replay buffer for bytes an HTTP parser over-read, and
// a bounded in-process duplex pipe.
package xio

import "net"

// PrefixConn replays a buffered prefix before delegating to the
// underlying net.Conn. Both the HTTP CONNECT client and the Simplex
// server handshake use a bufio.Reader to parse a request line and can
// end up holding bytes that belong to the tunneled stream; those bytes
// must be served first.
type PrefixConn struct {
	net.Conn
	prefix []byte
}

// NewPrefixConn wraps conn so that prefix is read before conn itself.
// Ownership of prefix transfers to the PrefixConn.
func NewPrefixConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &PrefixConn{Conn: conn, prefix: prefix}
}

func (p *PrefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
