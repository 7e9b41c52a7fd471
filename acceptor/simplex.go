// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package acceptor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/simplex"
)

// Simplex serves the anti-probe WebSocket upgrade handshake directly
// off a raw connection. nhooyr.io/websocket expects an
// http.ResponseWriter with a Hijacker, so the raw conn is wrapped just
// enough to satisfy that without pulling in an actual net/http server.
type Simplex struct {
	Config simplex.Config
}

var _ Acceptor = Simplex{}

func (s Simplex) Accept(_ context.Context, conn net.Conn) (endpoint.Endpoint, Finalize, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: simplex: read request: %w", err)
	}

	w := newRawResponseWriter(conn, br)
	mid, err := simplex.Accept(w, req, s.Config)
	if err != nil {
		w.flush()
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: simplex: %w", err)
	}

	finalize := func(_ context.Context, _ net.Conn, upstreamErr error) (net.Conn, error) {
		if upstreamErr != nil {
			// never let a failed outbound dial distinguish a valid probe
			// from an invalid one on the wire.
			w2 := newRawResponseWriter(conn, br)
			decoyOnUpstreamFailure(w2)
			return nil, upstreamErr
		}
		c, err := mid.Finalize()
		if err != nil {
			return nil, fmt.Errorf("acceptor: simplex: finalize: %w", err)
		}
		return c, nil
	}
	return mid.Endpoint(), finalize, nil
}

// rawResponseWriter adapts a raw net.Conn (already past the request
// line and headers, via br) to http.ResponseWriter + http.Hijacker,
// the minimum nhooyr.io/websocket needs to drive the handshake without
// an actual net/http server behind it.
type rawResponseWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	header http.Header
	status int
	wrote  bool
}

func newRawResponseWriter(conn net.Conn, br *bufio.Reader) *rawResponseWriter {
	return &rawResponseWriter{conn: conn, br: br, bw: bufio.NewWriter(conn), header: make(http.Header)}
}

func (w *rawResponseWriter) Header() http.Header { return w.header }

func (w *rawResponseWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = status
	fmt.Fprintf(w.bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	_ = w.header.Write(w.bw)
	fmt.Fprint(w.bw, "\r\n")
}

func (w *rawResponseWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.bw.Write(p)
	_ = w.bw.Flush()
	return n, err
}

func (w *rawResponseWriter) flush() { _ = w.bw.Flush() }

func (w *rawResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if err := w.bw.Flush(); err != nil {
		return nil, nil, err
	}
	return w.conn, bufio.NewReadWriter(w.br, w.bw), nil
}

var _ http.ResponseWriter = (*rawResponseWriter)(nil)
var _ http.Hijacker = (*rawResponseWriter)(nil)

func decoyOnUpstreamFailure(w *rawResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Now is %s", time.Now().UTC().Format(time.RFC3339))
}
