// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/internal/xio"
)

// HttpConnect dials inner to nextHop, then issues an HTTP CONNECT for the
// requested endpoint and yields the raw stream on a 200 response.
type HttpConnect struct {
	inner   Connector
	nextHop endpoint.Endpoint
}

var _ Connector = (*HttpConnect)(nil)

// NewHttpConnect builds an HTTP CONNECT connector dialing nextHop via inner.
func NewHttpConnect(inner Connector, nextHop endpoint.Endpoint) *HttpConnect {
	return &HttpConnect{inner: inner, nextHop: nextHop}
}

func (h *HttpConnect) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	c, err := h.inner.Connect(ctx, h.nextHop)
	if err != nil {
		return nil, fmt.Errorf("connector: httpconnect: dial next hop %s: %w", h.nextHop, err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", ep, ep)
	if _, err := c.Write([]byte(req)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connector: httpconnect: write request: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connector: httpconnect: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = c.Close()
		return nil, fmt.Errorf("connector: httpconnect: status %d", resp.StatusCode)
	}

	if br.Buffered() > 0 {
		return xio.NewPrefixConn(c, mustPeek(br)), nil
	}
	return c, nil
}

// mustPeek drains whatever the bufio.Reader has buffered without further
// blocking reads — safe because the caller already checked Buffered() > 0.
func mustPeek(br *bufio.Reader) []byte {
	b, _ := br.Peek(br.Buffered())
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
