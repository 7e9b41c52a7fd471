// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun

import (
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/shrikeproxy/shrike/internal/log"
)

// idleTTL bounds how long a translated connection may sit without a
// packet in either direction before Stack.Run reaps it. Generous enough
// to outlive a normal TCP keepalive interval, short enough that a crashed
// peer's fake source/port pair is freed for reuse within a few minutes.
const idleTTL = 5 * time.Minute

// reapInterval is how often the idle sweep runs.
const reapInterval = 30 * time.Second

// Stack drives the read loop against a Device, dispatching UDP destined to
// the fake DNS address to the fake-DNS responder and every TCP packet to
// the NAT translator; any other packet is dropped.
type Stack struct {
	dev        *Device
	dns        *FakeDNS
	translator *Translator
	dnsAddr    netip.Addr
	dnsPort    uint16
}

// NewStack wires a Device to a FakeDNS responder answering on dnsAddr:dnsPort
// (the first host IP in the TUN subnet, conventionally) and a Translator
// handling everything else.
func NewStack(dev *Device, fdns *FakeDNS, translator *Translator, dnsAddr netip.Addr, dnsPort uint16) *Stack {
	return &Stack{dev: dev, dns: fdns, translator: translator, dnsAddr: dnsAddr, dnsPort: dnsPort}
}

// Run reads packets from the device until ctx is cancelled or the device
// errs. A background goroutine periodically reaps translator connections
// that have gone idle past idleTTL (see Translator.ReapIdle).
func (s *Stack) Run(ctx context.Context) error {
	go s.reapLoop(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		packet, err := s.dev.ReadPacket()
		if err != nil {
			return err
		}
		s.handlePacket(ctx, packet)
	}
}

func (s *Stack) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.translator.ReapIdle(idleTTL); n > 0 {
				log.D("tun: reaped %d idle translated connection(s)", n)
			}
		}
	}
}

func (s *Stack) handlePacket(ctx context.Context, packet []byte) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return
	}
	ihl := int(packet[0]&0x0F) * 4
	if ihl < 20 || len(packet) < ihl {
		return
	}

	switch packet[9] {
	case protoUDP:
		s.handleUDP(ctx, packet, ihl)
	case protoTCP:
		out, err := s.translator.Translate(packet)
		if err != nil {
			logDrop("tcp packet", err)
			return
		}
		if out == nil {
			return
		}
		if err := s.dev.WritePacket(out); err != nil {
			logDrop("translated tcp packet", err)
		}
	}
}

func (s *Stack) handleUDP(ctx context.Context, packet []byte, ihl int) {
	udp := packet[ihl:]
	if len(udp) < 8 {
		return
	}
	dstIP := netip.AddrFrom4([4]byte(packet[16:20]))
	dstPort := binary.BigEndian.Uint16(udp[2:4])
	if dstIP != s.dnsAddr || dstPort != s.dnsPort {
		return // only the fake DNS server's own port is intercepted
	}

	srcIP := netip.AddrFrom4([4]byte(packet[12:16]))
	srcPort := binary.BigEndian.Uint16(udp[0:2])

	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < 8 || udpLen > len(udp) {
		return
	}
	payload := udp[8:udpLen]

	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil {
		logDrop("dns query", err)
		return
	}

	resp, err := s.dns.Handle(ctx, req)
	if err != nil {
		logDrop("dns query", err)
		return
	}

	wire, err := resp.Pack()
	if err != nil {
		logDrop("dns response", err)
		return
	}

	reply := buildUDPPacket(netip.AddrPortFrom(dstIP, dstPort), netip.AddrPortFrom(srcIP, srcPort), wire)
	if len(reply) > MTU {
		log.W("tun: dns response for %v exceeds mtu %d, refusing to send", req.Question, MTU)
		return
	}
	if err := s.dev.WritePacket(reply); err != nil {
		logDrop("dns reply packet", err)
	}
}

// buildUDPPacket assembles a minimal (no options) IPv4/UDP packet from src
// to dst carrying payload, with both checksums filled in.
func buildUDPPacket(src, dst netip.AddrPort, payload []byte) []byte {
	const ihl = 20
	udpLen := 8 + len(payload)
	total := ihl + udpLen

	packet := make([]byte, total)
	packet[0] = 4<<4 | 5
	binary.BigEndian.PutUint16(packet[2:4], uint16(total))
	packet[8] = 64
	packet[9] = protoUDP
	srcBytes := src.Addr().As4()
	dstBytes := dst.Addr().As4()
	copy(packet[12:16], srcBytes[:])
	copy(packet[16:20], dstBytes[:])

	udp := packet[ihl:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)

	fixIPv4Checksum(packet, ihl)
	udp[6], udp[7] = 0, 0
	sum := pseudoHeaderChecksum(packet, ihl, protoUDP, udpLen)
	sum = ^checksumOf(udp, sum)
	if sum == 0 {
		sum = 0xFFFF // RFC 768: an all-zero computed checksum is sent as all-ones
	}
	binary.BigEndian.PutUint16(udp[6:8], sum)

	return packet
}
