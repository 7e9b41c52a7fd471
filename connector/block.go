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

	"github.com/shrikeproxy/shrike/endpoint"
)

// Block always fails; used to route a rule-chain entry to a dead end.
type Block struct{}

var _ Connector = Block{}

func (Block) Connect(_ context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	return nil, fmt.Errorf("connector: block: %s: %w", ep, ErrBlocked)
}
