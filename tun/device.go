// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tun implements the virtual network stack: a fake-DNS responder,
// a stateful NAT translator, and the glue that reads and writes raw IPv4
// packets against an already-opened TUN device. Opening the device itself,
// assigning it an address, and installing routes are a privileged
// operating-system operation and stay out of this package's scope (see
// PrivilegeHandler).
package tun

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/shrikeproxy/shrike/internal/log"
)

// MTU is the fixed packet size ceiling §4.7 mandates.
const MTU = 1500

// readBufferSize leaves headroom above MTU the same way other consumers of
// tun.Device's offset-based Read/Write do, so the device never has to grow
// or reallocate the caller's buffer.
const readBufferSize = MTU + 64

// Device wraps an externally-opened tun.Device with plain packet-at-a-time
// Read/Write, hiding the header-offset bookkeeping the wireguard-go
// interface exposes for its own (here, unused) framing needs.
type Device struct {
	dev tun.Device
}

// NewDevice wraps an already-created, already-configured TUN device. The
// caller (the PrivilegeHandler) owns opening it and tearing it down.
func NewDevice(dev tun.Device) *Device {
	return &Device{dev: dev}
}

// ReadPacket blocks for the next raw IPv4 packet from the device. The
// wireguard-go Device interface reads in batches of one or more packets per
// call; this wrapper always asks for exactly one.
func (d *Device) ReadPacket() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	bufs := [][]byte{buf}
	sizes := make([]int, 1)
	n, err := d.dev.Read(bufs, sizes, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: device: read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:sizes[0]], nil
}

// WritePacket injects packet back into the device, as if it had arrived
// from the network.
func (d *Device) WritePacket(packet []byte) error {
	if len(packet) > MTU {
		return fmt.Errorf("tun: device: packet of %d bytes exceeds mtu %d", len(packet), MTU)
	}
	if _, err := d.dev.Write([][]byte{packet}, 0); err != nil {
		return fmt.Errorf("tun: device: write: %w", err)
	}
	return nil
}

// Close tears down the wrapped device.
func (d *Device) Close() error {
	if err := d.dev.Close(); err != nil {
		log.D("tun: device: close: %v", err)
		return err
	}
	return nil
}
