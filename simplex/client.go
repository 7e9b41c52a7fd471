// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package simplex

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"

	"github.com/shrikeproxy/shrike/endpoint"
)

// DialOverConn performs the client side of the WebSocket upgrade on an
// already-established stream to the next hop (conn may itself be the
// product of a TLS, HTTP CONNECT, or SOCKS5 connector): rather than
// opening a new TCP connection, the dial's Transport is pinned to hand
// back the conn we already have.
func DialOverConn(ctx context.Context, conn net.Conn, host string, cfg Config, target endpoint.Endpoint) (*Conn, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: cfg.Path}

	header := http.Header{}
	header.Set(cfg.SecretHeaderName, cfg.SecretHeaderValue)
	header.Set(endpointHeaderKey, target.String())

	used := false
	transport := &http.Transport{
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			if used {
				return nil, fmt.Errorf("simplex: dial: next-hop connection already consumed")
			}
			used = true
			return conn, nil
		},
	}

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:      &http.Client{Transport: transport},
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("simplex: dial: %w", err)
	}

	return newConn(ws, sideClient, conn.LocalAddr(), conn.RemoteAddr()), nil
}
