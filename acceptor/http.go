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
	"net/url"
	"strings"

	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/internal/log"
	"github.com/shrikeproxy/shrike/internal/xio"
)

// Http serves exactly one HTTP/1.1 request read directly off the raw
// connection, branching on CONNECT vs. a plain relayed proxy request;
// no net/http server machinery is involved, matching the style the
// teacher's own client-side HTTP CONNECT dialer uses (raw
// bufio.Reader, http.ReadRequest/ReadResponse).
type Http struct{}

var _ Acceptor = Http{}

func (Http) Accept(_ context.Context, conn net.Conn) (endpoint.Endpoint, Finalize, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: http: read request: %w", err)
	}

	if req.Method == http.MethodConnect {
		return acceptConnect(conn, br, req)
	}
	return acceptRelay(conn, br, req)
}

func acceptConnect(conn net.Conn, br *bufio.Reader, req *http.Request) (endpoint.Endpoint, Finalize, error) {
	ep, err := endpoint.Parse(req.Host)
	if err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: http: connect target %q: %w", req.Host, err)
	}

	finalize := func(_ context.Context, _ net.Conn, upstreamErr error) (net.Conn, error) {
		if upstreamErr != nil {
			fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return nil, upstreamErr
		}
		if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return nil, fmt.Errorf("acceptor: http: write connect reply: %w", err)
		}
		if n := br.Buffered(); n > 0 {
			prefix, _ := br.Peek(n)
			out := make([]byte, len(prefix))
			copy(out, prefix)
			return xio.NewPrefixConn(conn, out), nil
		}
		return conn, nil
	}
	return ep, finalize, nil
}

// acceptRelay handles the non-CONNECT "plain HTTP proxy" request
// shape: the request itself is forwarded (rewritten) onto whatever
// the rule chain connects to, and finalize takes over the connection
// entirely to keep relaying further requests for as long as they
// target the same endpoint — so it returns (nil, nil), telling the
// caller there is nothing left to bidirectionally copy.
func acceptRelay(conn net.Conn, br *bufio.Reader, req *http.Request) (endpoint.Endpoint, Finalize, error) {
	ep, err := proxyRequestEndpoint(req)
	if err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("acceptor: http: relay target: %w", err)
	}

	finalize := func(_ context.Context, upstream net.Conn, upstreamErr error) (net.Conn, error) {
		if upstreamErr != nil {
			fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return nil, upstreamErr
		}
		go relayLoop(conn, br, upstream, req, ep)
		return nil, nil
	}
	return ep, finalize, nil
}

// relayLoop forwards req and every subsequent same-endpoint request on
// conn onto upstream, until either side errs, closes, or a request
// names a different endpoint.
func relayLoop(conn net.Conn, br *bufio.Reader, upstream net.Conn, req *http.Request, ep endpoint.Endpoint) {
	defer conn.Close()
	defer upstream.Close()

	upstreamBr := bufio.NewReader(upstream)
	for {
		stripHopByHop(req)
		rewriteToRelativeForm(req)
		if err := req.Write(upstream); err != nil {
			log.D("acceptor: http: relay: forward request: %v", err)
			return
		}

		resp, err := http.ReadResponse(upstreamBr, req)
		if err != nil {
			log.D("acceptor: http: relay: read response: %v", err)
			return
		}
		if err := resp.Write(conn); err != nil {
			return
		}

		next, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		nextEp, err := proxyRequestEndpoint(next)
		if err != nil || !nextEp.Equal(ep) {
			fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		req = next
	}
}

func stripHopByHop(req *http.Request) {
	req.Header.Del("Proxy-Authenticate")
	req.Header.Del("Proxy-Authorization")
	if pc := req.Header.Get("Proxy-Connection"); pc != "" {
		req.Header.Set("Connection", pc)
		req.Header.Del("Proxy-Connection")
	}
}

// rewriteToRelativeForm turns an absolute-form request URI into
// path+query so the forwarded request looks like an origin-form
// request to the next hop.
func rewriteToRelativeForm(req *http.Request) {
	req.URL = &url.URL{Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}
}

func proxyRequestEndpoint(req *http.Request) (endpoint.Endpoint, error) {
	host := req.Host
	if host == "" && req.URL.IsAbs() {
		host = req.URL.Host
	}
	if host == "" {
		return endpoint.Endpoint{}, fmt.Errorf("acceptor: http: request carries no host")
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "80")
	}
	return endpoint.Parse(host)
}
