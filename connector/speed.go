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
	"time"

	"github.com/shrikeproxy/shrike/endpoint"
)

// SpeedBranch is one leg of a Speed race: its connector starts dialing only
// after Delay elapses, letting a preferred connector "win by default" while
// others act as fallbacks after a grace period.
type SpeedBranch struct {
	Delay     time.Duration
	Connector Connector
}

// Speed wraps N (delay, sub-connector) branches, launching all of them
// after their respective delays and returning the first success. Losing
// branches are cancelled via context, not merely left to finish unread.
type Speed struct {
	branches []SpeedBranch
}

var _ Connector = (*Speed)(nil)

func NewSpeed(branches ...SpeedBranch) *Speed {
	return &Speed{branches: branches}
}

type speedResult struct {
	conn net.Conn
	err  error
}

func (s *Speed) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan speedResult, len(s.branches))
	for _, b := range s.branches {
		go func(b SpeedBranch) {
			select {
			case <-time.After(b.Delay):
			case <-ctx.Done():
				results <- speedResult{nil, ctx.Err()}
				return
			}
			c, err := b.Connector.Connect(ctx, ep)
			results <- speedResult{c, err}
		}(b)
	}

	var lastErr error
	var winner net.Conn
	for range s.branches {
		r := <-results
		if r.err == nil && winner == nil {
			winner = r.conn
			cancel() // drop the remaining in-flight branches
			continue
		}
		if r.err != nil {
			lastErr = r.err
		} else if r.conn != nil {
			// a second success raced in after we already picked a winner
			_ = r.conn.Close()
		}
	}

	if winner != nil {
		return winner, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("connector: speed: no branches configured")
	}
	return nil, fmt.Errorf("connector: speed: all branches failed for %s: %w", ep, lastErr)
}
