// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/shrikeproxy/shrike/acceptor"
	"github.com/shrikeproxy/shrike/core"
	"github.com/shrikeproxy/shrike/internal/log"
	"github.com/shrikeproxy/shrike/tun"
)

// job pairs one accepted connection with the acceptor that should read
// it, the unit merged across every listener's stream.
type job struct {
	conn net.Conn
	acc  acceptor.Acceptor
}

// Server runs the merged accept/dispatch loop described in §4.9.
type Server struct {
	cfg Config

	mu        sync.Mutex
	listeners []net.Listener
	devices   []*tun.Device

	// tunDNS records the fake-DNS server's address, set once a KindTun
	// listener starts, so restoreHostSettings can clear what install
	// actually set without re-deriving it from Config.
	tunDNS *netip.AddrPort
}

// New builds a Server from cfg. Nothing is bound until Run is called.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Run binds every configured listener, merges their accepted connections
// into one stream, and spawns a pipeline task per item until ctx is
// cancelled. Cancellation aborts every accept loop, closes every bound
// listener and TUN device, restores any host settings this server
// installed, and returns ctx's error.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job)
	var wg sync.WaitGroup

	for _, lc := range s.cfg.Listeners {
		lc := lc
		if err := s.startListener(ctx, lc, jobs, &wg); err != nil {
			cancel()
			s.closeAll()
			wg.Wait()
			return fmt.Errorf("server: start listener %s: %w", lc.Kind, err)
		}
	}

	if s.cfg.Managed {
		if err := s.installHostSettings(); err != nil {
			cancel()
			s.closeAll()
			wg.Wait()
			return fmt.Errorf("server: install host settings: %w", err)
		}
		defer s.restoreHostSettings()
	}

	defer func() {
		s.closeAll()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-jobs:
			go func() {
				defer core.Recover("server.pipeline")
				s.pipeline(ctx, j.conn, j.acc)
			}()
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for _, dev := range s.devices {
		_ = dev.Close()
	}
}

func (s *Server) installHostSettings() error {
	priv := s.cfg.privilege()
	var httpSet, socksSet bool
	for _, lc := range s.cfg.Listeners {
		bind := lc.Bind
		switch lc.Kind {
		case KindHTTP:
			if httpSet {
				continue
			}
			httpSet = true
			if err := priv.SetHTTPProxy(&bind); err != nil {
				return err
			}
		case KindSocks5:
			if socksSet {
				continue
			}
			socksSet = true
			if err := priv.SetSOCKS5Proxy(&bind); err != nil {
				return err
			}
		}
	}
	if s.tunDNS != nil {
		if err := priv.SetDNS(s.tunDNS); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) restoreHostSettings() {
	priv := s.cfg.privilege()
	if err := priv.SetHTTPProxy(nil); err != nil {
		log.W("server: restore http proxy setting: %v", err)
	}
	if err := priv.SetSOCKS5Proxy(nil); err != nil {
		log.W("server: restore socks5 proxy setting: %v", err)
	}
	if err := priv.SetDNS(nil); err != nil {
		log.W("server: restore dns setting: %v", err)
	}
}

// pipeline runs the §4.2 accept/connect/finalize/copy sequence for one
// accepted connection.
func (s *Server) pipeline(ctx context.Context, conn net.Conn, acc acceptor.Acceptor) {
	ep, finalize, err := acc.Accept(ctx, conn)
	if err != nil {
		log.D("server: accept: %v", err)
		_ = conn.Close()
		return
	}

	upstream, cerr := s.cfg.Connector.Connect(ctx, ep)
	out, ferr := finalize(ctx, upstream, cerr)
	if cerr != nil {
		log.W("server: connect %s: %v", ep, cerr)
		core.CloseAll(conn, upstream)
		return
	}
	if ferr != nil {
		log.W("server: finalize %s: %v", ep, ferr)
		core.CloseAll(conn, upstream, out)
		return
	}
	if out == nil {
		// the acceptor took over the connection's lifecycle itself (the
		// HTTP acceptor's keep-alive relay loop does this); nothing left
		// for this pipeline to do.
		return
	}

	defer core.CloseAll(out, upstream)
	_, _, errAB, errBA := core.Bidirectional(out, upstream)
	if errAB != nil && !errors.Is(errAB, io.EOF) {
		log.D("server: %s upload: %v", ep, errAB)
	}
	if errBA != nil && !errors.Is(errBA, io.EOF) {
		log.D("server: %s download: %v", ep, errBA)
	}
}
