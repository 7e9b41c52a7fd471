// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package connector implements the egress side of the proxy: every
// connector produces a net.Conn to a given endpoint.Endpoint, and every
// composing connector wraps zero or more inner connectors.
package connector

import (
	"context"
	"errors"
	"net"

	"github.com/shrikeproxy/shrike/endpoint"
)

// ErrBlocked is returned by the Block connector for every endpoint.
var ErrBlocked = errors.New("connector: blocked")

// Connector produces a net.Conn to an endpoint. Implementations may be
// leaves (Tcp) or composing (wrap an inner Connector).
type Connector interface {
	// Connect dials endpoint and returns the resulting stream.
	Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error)
}

// Func adapts a plain function to the Connector interface.
type Func func(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error)

// Connect implements Connector.
func (f Func) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	return f(ctx, ep)
}
