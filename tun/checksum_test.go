// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// A correctly filled-in Internet checksum has the property that summing the
// header again, checksum field included, always folds to all-ones.
const checksumValid = 0xFFFF

func TestBuildUDPPacketHasValidChecksums(t *testing.T) {
	src := netip.MustParseAddrPort("10.1.0.1:53")
	dst := netip.MustParseAddrPort("10.1.0.55:40123")
	payload := []byte("hello dns")

	packet := buildUDPPacket(src, dst, payload)
	require.Equal(t, 4, int(packet[0]>>4))
	ihl := int(packet[0]&0x0F) * 4
	require.Equal(t, 20, ihl)

	assert.Equal(t, checksumValid, int(header.Checksum(packet[:ihl], 0)))

	udp := packet[ihl:]
	sum := pseudoHeaderChecksum(packet, ihl, protoUDP, len(udp))
	sum = header.Checksum(udp, sum)
	assert.Equal(t, checksumValid, int(sum))

	assert.Equal(t, payload, udp[8:])
}

func TestFixIPv4ChecksumProducesValidHeader(t *testing.T) {
	packet := make([]byte, 20)
	packet[0] = 4<<4 | 5
	packet[8] = 64
	packet[9] = protoTCP
	src := netip.MustParseAddr("192.0.2.1").As4()
	dst := netip.MustParseAddr("192.0.2.2").As4()
	copy(packet[12:16], src[:])
	copy(packet[16:20], dst[:])

	fixIPv4Checksum(packet, 20)
	assert.Equal(t, checksumValid, int(header.Checksum(packet[:20], 0)))
}
