// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/shrikeproxy/shrike/endpoint"
)

// Tls wraps inner, performing a client TLS handshake over whatever inner
// dials, using the endpoint's hostname as SNI.
type Tls struct {
	inner  Connector
	config *tls.Config
}

var _ Connector = (*Tls)(nil)

// NewTls builds a TLS connector. A nil config gets a minimal default; the
// ServerName field is always overwritten per-connection from the endpoint.
func NewTls(inner Connector, config *tls.Config) *Tls {
	if config == nil {
		config = &tls.Config{}
	}
	return &Tls{inner: inner, config: config}
}

func (t *Tls) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	raw, err := t.inner.Connect(ctx, ep)
	if err != nil {
		return nil, err
	}
	cfg := t.config.Clone()
	cfg.ServerName = ep.Hostname()
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return tc, nil
}
