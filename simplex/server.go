// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package simplex

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/shrikeproxy/shrike/endpoint"
)

// MidHandshake carries the target endpoint decoded from an accepted
// upgrade request, deferring the actual 101 response (and the
// WebSocket hijack that comes with it) until the caller has dialed the
// outbound connector and is ready to commit to serving the tunnel.
type MidHandshake struct {
	endpoint endpoint.Endpoint
	w        http.ResponseWriter
	r        *http.Request
}

// Endpoint is the destination the client asked to reach.
func (m *MidHandshake) Endpoint() endpoint.Endpoint { return m.endpoint }

// Finalize sends the 101 Switching Protocols reply and returns the
// tunnel stream. Call it only after the outbound connector has
// already succeeded; on any earlier failure the caller should instead
// let the underlying HTTP request fail normally (no response was sent
// yet, so a plain error handler response is still possible upstream).
func (m *MidHandshake) Finalize() (*Conn, error) {
	ws, err := websocket.Accept(m.w, m.r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("simplex: finalize: %w", err)
	}
	return newConn(ws, sideServer, addr(m.r.Host), addr(m.r.RemoteAddr)), nil
}

// Accept validates an inbound HTTP request against cfg: path, secret
// header, a well-formed WebSocket upgrade, and a parseable
// Simplex-Endpoint header, in that order. Any failure writes the
// decoy response directly to w and returns ErrProbeRejected; the
// caller must not write anything further to w in that case. On
// success nothing is written yet — see MidHandshake.Finalize.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (*MidHandshake, error) {
	if r.URL.Path != cfg.Path {
		writeDecoy(w)
		return nil, ErrProbeRejected
	}
	if r.Header.Get(cfg.SecretHeaderName) != cfg.SecretHeaderValue {
		writeDecoy(w)
		return nil, ErrProbeRejected
	}
	if !isUpgradeRequest(r) {
		writeDecoy(w)
		return nil, ErrProbeRejected
	}

	epHeader := r.Header.Get(endpointHeaderKey)
	ep, err := endpoint.Parse(epHeader)
	if err != nil {
		writeDecoy(w)
		return nil, ErrProbeRejected
	}

	return &MidHandshake{endpoint: ep, w: w, r: r}, nil
}

// isUpgradeRequest checks the handshake headers RFC 6455 requires,
// without consuming or hijacking anything: that is left to
// websocket.Accept at Finalize time.
func isUpgradeRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if !headerTokenContains(r.Header.Get("Connection"), "upgrade") {
		return false
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		return false
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return false
	}
	return true
}

func headerTokenContains(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// writeDecoy answers a rejected probe with a plausible, content-free
// 200 so a scanner cannot distinguish a wrong path from a wrong secret
// from a malformed endpoint header.
func writeDecoy(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Now is %s", time.Now().UTC().Format(time.RFC3339))
}
