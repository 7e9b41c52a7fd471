// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package simplex implements the WebSocket-upgrade tunnel with in-band
// EOF signaling: every application chunk is one binary message, and a
// text message with the exact body "EOF" marks end-of-write on that
// side. The WebSocket close frame is deferred until both directions
// have sent their EOF, so a peer that is still reading never loses
// data in flight the other way.
package simplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/shrikeproxy/shrike/internal/log"
)

// endpointHeaderKey carries the tunneled destination on the upgrade
// request; both client and server must agree on it out of band.
const endpointHeaderKey = "Simplex-Endpoint"

// eofMessage is the sentinel text message denoting end-of-write. The
// match is exact: case and whitespace matter, on purpose, so a
// middlebox that mangles text frames fails closed rather than silently
// truncating a stream.
const eofMessage = "EOF"

// Config is the shared secret shape a client and server must agree on
// byte-for-byte. Host is deliberately absent here: it is supplied by
// the dialer out of band, since the same config may be reused against
// several next hops.
type Config struct {
	Path              string
	SecretHeaderName  string
	SecretHeaderValue string
}

// ErrProbeRejected is returned by Accept when the request failed any
// anti-probe check. The caller must not branch on it to produce a
// different response than the decoy already written.
var ErrProbeRejected = errors.New("simplex: request rejected (probe)")

// side distinguishes which end of the tunnel an adapter represents, for
// logging an irregular close only.
type side int

const (
	sideClient side = iota
	sideServer
)

// Conn adapts a websocket.Conn to net.Conn, implementing the half-close
// state machine: a caller that stops writing sends the EOF sentinel
// instead of a WebSocket close, and the close frame is sent only once
// both directions have seen it. Unlike a waker registered across an
// async reactor, this needs nothing more than a mutex: both the reader
// goroutine and the writer goroutine observe and flip the same two
// booleans under one lock, and whichever of them observes the second
// flip flip sends the close frame.
type Conn struct {
	ws   *websocket.Conn
	side side

	local, remote net.Addr

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	readClosed  bool
	writeClosed bool

	readSerial sync.Mutex
	readBuf    []byte

	writeSerial sync.Mutex

	closeOnce sync.Once

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, s side, local, remote net.Addr) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{ws: ws, side: s, local: local, remote: remote, ctx: ctx, cancel: cancel}
}

func (c *Conn) readCtx() (context.Context, context.CancelFunc) {
	c.deadlineMu.Lock()
	d := c.readDeadline
	c.deadlineMu.Unlock()
	if d.IsZero() {
		return c.ctx, func() {}
	}
	return context.WithDeadline(c.ctx, d)
}

func (c *Conn) writeCtx() (context.Context, context.CancelFunc) {
	c.deadlineMu.Lock()
	d := c.writeDeadline
	c.deadlineMu.Unlock()
	if d.IsZero() {
		return c.ctx, func() {}
	}
	return context.WithDeadline(c.ctx, d)
}

// Read drains the current message chunk before pulling the next one,
// and turns an observed EOF message (or an irregular WebSocket close
// before one arrives) into io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	c.readSerial.Lock()
	defer c.readSerial.Unlock()

	for len(c.readBuf) == 0 {
		c.mu.Lock()
		closed := c.readClosed
		c.mu.Unlock()
		if closed {
			return 0, io.EOF
		}

		ctx, cancel := c.readCtx()
		typ, data, err := c.ws.Read(ctx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				log.W("simplex: peer closed without an EOF message: %v", err)
				c.observeReadEOF()
				return 0, io.EOF
			}
			return 0, err
		}

		if typ == websocket.MessageText {
			if string(data) != eofMessage {
				return 0, fmt.Errorf("simplex: unexpected text message %q", data)
			}
			c.observeReadEOF()
			return 0, io.EOF
		}
		c.readBuf = data
	}

	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *Conn) observeReadEOF() {
	c.mu.Lock()
	c.readClosed = true
	both := c.writeClosed
	c.mu.Unlock()
	if both {
		c.sendClose()
	}
}

// Write sends b as a single binary message. The WebSocket framing
// means a Write larger than one read on the peer still arrives intact;
// callers should not assume Go's usual short-write-is-an-error stdlib
// io.Writer contract requires chunking on this end.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	closed := c.writeClosed
	c.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("simplex: write after CloseWrite")
	}

	ctx, cancel := c.writeCtx()
	defer cancel()

	c.writeSerial.Lock()
	err := c.ws.Write(ctx, websocket.MessageBinary, b)
	c.writeSerial.Unlock()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite sends the EOF sentinel in place of shutting the
// connection down, so the peer can keep writing its own half.
func (c *Conn) CloseWrite() error {
	c.mu.Lock()
	if c.writeClosed {
		c.mu.Unlock()
		return nil
	}
	c.writeClosed = true
	both := c.readClosed
	c.mu.Unlock()

	ctx, cancel := c.writeCtx()
	defer cancel()

	c.writeSerial.Lock()
	err := c.ws.Write(ctx, websocket.MessageText, []byte(eofMessage))
	c.writeSerial.Unlock()

	if both {
		c.sendClose()
	}
	return err
}

func (c *Conn) sendClose() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
}

// Close tears the tunnel down unconditionally, without waiting for the
// EOF handshake on either side.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.readClosed = true
	c.writeClosed = true
	c.mu.Unlock()
	c.sendClose()
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

// addr is a minimal net.Addr for endpoints the HTTP layer describes
// only as a string (the server side knows http.Request.RemoteAddr, not
// a dialable net.Addr).
type addr string

func (a addr) Network() string { return "simplex" }
func (a addr) String() string  { return string(a) }
