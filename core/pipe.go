// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"io"
	"net"

	"github.com/shrikeproxy/shrike/internal/log"
)

// Recover is deferred at the top of every goroutine that must never crash
// the process on panic. tag identifies the goroutine in the log line.
func Recover(tag string) {
	if r := recover(); r != nil {
		log.E("core: recovered panic in %s: %v", tag, r)
	}
}

// Pipe copies from src to dst until EOF or error, the shape shared by both
// halves of a bidirectional copy.
func Pipe(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}

type halfCloser interface {
	CloseWrite() error
}

type halfReadCloser interface {
	CloseRead() error
}

// CloseWrite shuts down the write half of c if it supports half-close,
// otherwise closes it outright.
func CloseWrite(c net.Conn) error {
	if hc, ok := c.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Close()
}

// CloseRead shuts down the read half of c if it supports half-close,
// otherwise closes it outright.
func CloseRead(c net.Conn) error {
	if hc, ok := c.(halfReadCloser); ok {
		return hc.CloseRead()
	}
	return c.Close()
}

// CloseAll closes every non-nil connection, ignoring errors (the caller is
// tearing down regardless).
func CloseAll(conns ...net.Conn) {
	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
}

// Bidirectional copies bytes between a and b until both directions are
// done, returning the byte counts and the first error seen in each
// direction. The two directions are independent; there is no ordering
// between them.
func Bidirectional(a, b net.Conn) (aToB, bToA int64, errAB, errBA error) {
	done := make(chan struct{})

	go func() {
		defer Recover("core.bidirectional.upload")
		aToB, errAB = Pipe(b, a)
		_ = CloseWrite(b)
		close(done)
	}()

	bToA, errBA = Pipe(a, b)
	_ = CloseWrite(a)

	<-done
	return
}
