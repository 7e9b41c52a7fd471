// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connector_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrikeproxy/shrike/connector"
	"github.com/shrikeproxy/shrike/endpoint"
	"github.com/shrikeproxy/shrike/internal/xio"
)

func TestBlockAlwaysFails(t *testing.T) {
	_, err := connector.Block{}.Connect(context.Background(), endpoint.Domain("example.com", 443))
	require.Error(t, err)
	assert.ErrorIs(t, err, connector.ErrBlocked)
}

type fakeConnector struct {
	delay time.Duration
	err   error
}

func (f fakeConnector) Connect(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	a, _ := xio.Pipe(64)
	return a, nil
}

func TestSpeedPicksFirstSuccess(t *testing.T) {
	slow := connector.SpeedBranch{Delay: 0, Connector: fakeConnector{delay: 50 * time.Millisecond}}
	fast := connector.SpeedBranch{Delay: 0, Connector: fakeConnector{delay: 5 * time.Millisecond}}
	speed := connector.NewSpeed(slow, fast)

	conn, err := speed.Connect(context.Background(), endpoint.Domain("example.com", 443))
	require.NoError(t, err)
	require.NotNil(t, conn)
	_ = conn.Close()
}

func TestSpeedFailsWhenAllBranchesFail(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	speed := connector.NewSpeed(
		connector.SpeedBranch{Connector: fakeConnector{err: errA}},
		connector.SpeedBranch{Connector: fakeConnector{err: errB}},
	)

	_, err := speed.Connect(context.Background(), endpoint.Domain("example.com", 443))
	require.Error(t, err)
}

func TestSpeedRespectsPerBranchDelay(t *testing.T) {
	preferred := connector.SpeedBranch{Delay: 0, Connector: fakeConnector{delay: 10 * time.Millisecond}}
	fallback := connector.SpeedBranch{Delay: 200 * time.Millisecond, Connector: fakeConnector{delay: 0}}
	speed := connector.NewSpeed(preferred, fallback)

	start := time.Now()
	conn, err := speed.Connect(context.Background(), endpoint.Domain("example.com", 443))
	elapsed := time.Since(start)
	require.NoError(t, err)
	_ = conn.Close()
	assert.Less(t, elapsed, 100*time.Millisecond, "preferred branch should win long before the fallback's delay elapses")
}

func TestPoolRejectsMismatchedEndpoint(t *testing.T) {
	ep := endpoint.Domain("bound.example.com", 443)
	p := connector.NewPool(fakeConnector{}, ep, 1, time.Minute)
	defer drainPool(p, ep)

	_, err := p.Connect(context.Background(), endpoint.Domain("other.example.com", 443))
	require.Error(t, err)
}

func TestPoolServesPrewarmedConnectionsAndRefills(t *testing.T) {
	ep := endpoint.Domain("pool.example.com", 443)
	p := connector.NewPool(fakeConnector{}, ep, 2, time.Minute)
	defer drainPool(p, ep)

	waitForLen(t, p, 2)

	conn, err := p.Connect(context.Background(), ep)
	require.NoError(t, err)
	require.NotNil(t, conn)
	_ = conn.Close()

	// popping one entry must trigger exactly one refill, keeping the
	// pool back at its configured capacity.
	waitForLen(t, p, 2)
}

func TestPoolDiscardsStaleEntriesAndFallsBackToLiveDial(t *testing.T) {
	ep := endpoint.Domain("stale.example.com", 443)
	p := connector.NewPool(fakeConnector{}, ep, 1, time.Millisecond)
	waitForLen(t, p, 1)
	time.Sleep(5 * time.Millisecond)

	conn, err := p.Connect(context.Background(), ep)
	require.NoError(t, err, "a stale entry must fall through to a live dial, not fail the request")
	require.NotNil(t, conn)
	_ = conn.Close()
}

func TestPoolRefreshDiscardsAndRefills(t *testing.T) {
	ep := endpoint.Domain("refresh.example.com", 443)
	p := connector.NewPool(fakeConnector{}, ep, 2, time.Minute)
	defer drainPool(p, ep)
	waitForLen(t, p, 2)

	require.NoError(t, p.Refresh())
	waitForLen(t, p, 2)
}

func waitForLen(t *testing.T, p *connector.Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Len() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pool did not reach length %d in time (got %d)", n, p.Len())
}

// drainPool pops and closes the entries currently queued in p; the refills
// those pops trigger are left in the queue.
func drainPool(p *connector.Pool, ep endpoint.Endpoint) {
	for n := p.Len(); n > 0; n-- {
		if c, err := p.Connect(context.Background(), ep); err == nil {
			_ = c.Close()
		}
	}
}
