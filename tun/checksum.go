// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// fixIPv4Checksum zeroes and recomputes the IPv4 header checksum in place.
func fixIPv4Checksum(packet []byte, ihl int) {
	packet[10], packet[11] = 0, 0
	sum := header.Checksum(packet[:ihl], 0)
	binary.BigEndian.PutUint16(packet[10:12], ^sum)
}

// checksumOf extends a running checksum over buf.
func checksumOf(buf []byte, initial uint16) uint16 {
	return header.Checksum(buf, initial)
}

// pseudoHeaderChecksum folds the IPv4 pseudo-header (source, destination,
// protocol, segment length) into a running checksum that the caller then
// extends over the transport segment itself.
func pseudoHeaderChecksum(packet []byte, ihl int, protocol byte, segmentLen int) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], packet[12:16])
	copy(pseudo[4:8], packet[16:20])
	pseudo[9] = protocol
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(segmentLen))
	return header.Checksum(pseudo[:], 0)
}
