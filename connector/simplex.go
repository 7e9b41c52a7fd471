// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"net"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/simplex"
)

// Simplex dials inner to nextHop, then performs the Simplex WebSocket
// upgrade for the requested endpoint, carrying it in the
// Simplex-Endpoint header rather than in the connection itself.
type Simplex struct {
	inner   Connector
	nextHop endpoint.Endpoint
	config  simplex.Config
}

var _ Connector = (*Simplex)(nil)

// NewSimplex builds a Simplex connector dialing nextHop via inner and
// upgrading with config. nextHop.Hostname() is used as the WebSocket
// Host header; config carries no host of its own (see simplex.Config).
func NewSimplex(inner Connector, nextHop endpoint.Endpoint, config simplex.Config) *Simplex {
	return &Simplex{inner: inner, nextHop: nextHop, config: config}
}

func (s *Simplex) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	raw, err := s.inner.Connect(ctx, s.nextHop)
	if err != nil {
		return nil, fmt.Errorf("connector: simplex: dial next hop %s: %w", s.nextHop, err)
	}
	c, err := simplex.DialOverConn(ctx, raw, s.nextHop.Hostname(), s.config, ep)
	if err != nil {
		return nil, fmt.Errorf("connector: simplex: upgrade for %s: %w", ep, err)
	}
	return c, nil
}
