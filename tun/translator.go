// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tun

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/shrikeproxy/shrike/core"
)

const (
	flagFIN byte = 0x01
	flagSYN byte = 0x02
	flagRST byte = 0x04
	flagACK byte = 0x10
)

type direction int

const (
	dirOutbound direction = iota // client -> fake target, matched by (source, target)
	dirInbound                   // listening_addr -> fake source, matched by fake source alone
)

type pairKey struct {
	source, target netip.AddrPort
}

// halfState tracks one direction's progress through FIN/ACK half-close.
// waitingAck/expectAck are set when the OPPOSITE direction has sent a FIN;
// this half closes once its own traffic carries the matching ACK.
type halfState struct {
	closed     bool
	waitingAck bool
	expectAck  uint32
}

func (h *halfState) onFin(seq uint32) {
	h.waitingAck = true
	h.expectAck = seq + 1
}

func (h *halfState) onAck(ack uint32) {
	if h.waitingAck && ack == h.expectAck {
		h.closed = true
		h.waitingAck = false
	}
}

type connection struct {
	pair       pairKey
	fakeSource netip.AddrPort
	outHalf    halfState
	inHalf     halfState
}

func (c *connection) half(dir direction) *halfState {
	if dir == dirOutbound {
		return &c.outHalf
	}
	return &c.inHalf
}

func (c *connection) oppositeHalf(dir direction) *halfState {
	if dir == dirOutbound {
		return &c.inHalf
	}
	return &c.outHalf
}

func (c *connection) bothClosed() bool { return c.outHalf.closed && c.inHalf.closed }

// Translator rewrites IPv4/TCP packets arriving from the TUN device so a
// normal TCP listener (listening) can accept them, and rewrites the
// listener's replies back to look like they came from the original fake
// target, preserving the illusion that the client's connection runs
// end-to-end. See NewTranslator for the fake-source pool this draws from.
type Translator struct {
	mu        sync.Mutex
	listening netip.AddrPort
	fakeIPs   []netip.Addr
	portLo    uint16
	portHi    uint16
	rng       *rand.Rand

	byPair map[pairKey]*connection
	byFake map[netip.AddrPort]*connection

	// activity timestamps every connection on each translated packet, so
	// ReapIdle can find and drop flows a peer abandoned without ever
	// sending FIN or RST (a crashed client, a silently dropped Wi-Fi
	// link). byPair/byFake otherwise only shrink on an explicit close.
	activity *core.ExpMap[pairKey, struct{}]
}

// NewTranslator builds a Translator that SNATs onto addresses drawn from
// fakeIPs (the small reserved pool from §4.7's subnet layout) and ports in
// [portLo, portHi], handing accepted connections to listening.
func NewTranslator(listening netip.AddrPort, fakeIPs []netip.Addr, portLo, portHi uint16) (*Translator, error) {
	if len(fakeIPs) == 0 {
		return nil, fmt.Errorf("tun: translator: empty fake source pool")
	}
	if portLo > portHi {
		return nil, fmt.Errorf("tun: translator: invalid port range [%d, %d]", portLo, portHi)
	}
	return &Translator{
		listening: listening,
		fakeIPs:   fakeIPs,
		portLo:    portLo,
		portHi:    portHi,
		rng:       rand.New(rand.NewSource(1)),
		byPair:    make(map[pairKey]*connection),
		byFake:    make(map[netip.AddrPort]*connection),
		activity:  core.NewExpMap[pairKey, struct{}](),
	}, nil
}

func (t *Translator) allocateFakeSource() (netip.AddrPort, error) {
	span := int(t.portHi-t.portLo) + 1
	for i := 0; i < 1000; i++ {
		ip := t.fakeIPs[t.rng.Intn(len(t.fakeIPs))]
		port := t.portLo + uint16(t.rng.Intn(span))
		candidate := netip.AddrPortFrom(ip, port)
		if _, used := t.byFake[candidate]; !used {
			return candidate, nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("tun: translator: no free fake source address")
}

// initSyn creates a new connection for (source, target), or returns the
// existing one's fake source unchanged if this SYN is a retransmit.
func (t *Translator) initSyn(source, target netip.AddrPort) (netip.AddrPort, error) {
	key := pairKey{source: source, target: target}
	if c, ok := t.byPair[key]; ok {
		return c.fakeSource, nil
	}
	fake, err := t.allocateFakeSource()
	if err != nil {
		return netip.AddrPort{}, err
	}
	c := &connection{pair: key, fakeSource: fake}
	t.byPair[key] = c
	t.byFake[fake] = c
	return fake, nil
}

func (t *Translator) find(source, target netip.AddrPort) (*connection, direction, bool) {
	if source == t.listening {
		c, ok := t.byFake[target]
		return c, dirInbound, ok
	}
	c, ok := t.byPair[pairKey{source: source, target: target}]
	return c, dirOutbound, ok
}

func (t *Translator) remove(c *connection) {
	delete(t.byPair, c.pair)
	delete(t.byFake, c.fakeSource)
	t.activity.Delete(c.pair)
}

// ReapIdle drops every connection whose last translated packet is older
// than ttl, as if its source had sent RST, and returns how many were
// removed. Stack.reapLoop runs this on a ticker; it is the
// only way a flow that never sends FIN or RST gets reclaimed.
func (t *Translator) ReapIdle(ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	stale := t.activity.EvictExpired(ttl)
	for _, key := range stale {
		if c, ok := t.byPair[key]; ok {
			delete(t.byPair, c.pair)
			delete(t.byFake, c.fakeSource)
		}
	}
	return len(stale)
}

// LookupBySource recovers the fake target a client originally dialed, given
// the fake source address the listening socket sees as its peer. The TUN
// acceptor uses this, paired with a fake-DNS reverse lookup of the target's
// IP, to recover the endpoint the client meant to reach.
func (t *Translator) LookupBySource(fakeSource netip.AddrPort) (target netip.AddrPort, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byFake[fakeSource]
	if !ok {
		return netip.AddrPort{}, false
	}
	return c.pair.target, true
}

// Translate rewrites one IPv4/TCP packet in place and returns it. A nil
// slice with a nil error means the packet should be silently dropped (an
// RST for a connection already gone); a non-nil error means packet was
// never a well-formed IPv4/TCP segment.
func (t *Translator) Translate(packet []byte) ([]byte, error) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return nil, fmt.Errorf("tun: translator: not an ipv4 packet")
	}
	ihl := int(packet[0]&0x0F) * 4
	if ihl < 20 || len(packet) < ihl+20 {
		return nil, fmt.Errorf("tun: translator: truncated ipv4 header")
	}
	if packet[9] != protoTCP {
		return nil, fmt.Errorf("tun: translator: not tcp")
	}

	tcp := packet[ihl:]
	srcIP := netip.AddrFrom4([4]byte(packet[12:16]))
	dstIP := netip.AddrFrom4([4]byte(packet[16:20]))
	srcPort := binary.BigEndian.Uint16(tcp[0:2])
	dstPort := binary.BigEndian.Uint16(tcp[2:4])
	seq := binary.BigEndian.Uint32(tcp[4:8])
	ack := binary.BigEndian.Uint32(tcp[8:12])
	flags := tcp[13]

	source := netip.AddrPortFrom(srcIP, srcPort)
	target := netip.AddrPortFrom(dstIP, dstPort)

	t.mu.Lock()
	defer t.mu.Unlock()

	if flags&flagSYN != 0 && flags&flagACK == 0 && source != t.listening {
		fake, err := t.initSyn(source, target)
		if err != nil {
			return synthesizeRST(packet, ihl, source, target, ack), nil
		}
		t.activity.Set(pairKey{source: source, target: target}, struct{}{})
		rewriteAddresses(packet, ihl, fake, t.listening)
		return packet, nil
	}

	if flags&flagRST != 0 {
		if c, dir, ok := t.find(source, target); ok {
			t.remove(c)
			return t.rewriteFor(packet, ihl, c, dir), nil
		}
		return nil, nil
	}

	c, dir, ok := t.find(source, target)
	if !ok {
		return synthesizeRST(packet, ihl, source, target, ack), nil
	}
	t.activity.Set(c.pair, struct{}{})
	if flags&flagFIN != 0 {
		c.oppositeHalf(dir).onFin(seq)
	}
	c.half(dir).onAck(ack)

	out := t.rewriteFor(packet, ihl, c, dir)
	if c.bothClosed() {
		t.remove(c)
	}
	return out, nil
}

func (t *Translator) rewriteFor(packet []byte, ihl int, c *connection, dir direction) []byte {
	if dir == dirOutbound {
		rewriteAddresses(packet, ihl, c.fakeSource, t.listening)
	} else {
		rewriteAddresses(packet, ihl, c.pair.target, c.pair.source)
	}
	return packet
}

func rewriteAddresses(packet []byte, ihl int, newSrc, newDst netip.AddrPort) {
	srcBytes := newSrc.Addr().As4()
	dstBytes := newDst.Addr().As4()
	copy(packet[12:16], srcBytes[:])
	copy(packet[16:20], dstBytes[:])

	tcp := packet[ihl:]
	binary.BigEndian.PutUint16(tcp[0:2], newSrc.Port())
	binary.BigEndian.PutUint16(tcp[2:4], newDst.Port())

	recomputeChecksums(packet, ihl)
}

// recomputeChecksums fixes up the IPv4 header checksum and the TCP
// checksum (over its pseudo-header plus segment) after an address/port
// rewrite.
func recomputeChecksums(packet []byte, ihl int) {
	fixIPv4Checksum(packet, ihl)

	tcp := packet[ihl:]
	tcp[16], tcp[17] = 0, 0
	sum := pseudoHeaderChecksum(packet, ihl, protoTCP, len(tcp))
	sum = header.Checksum(tcp, sum)
	binary.BigEndian.PutUint16(tcp[16:18], ^sum)
}

// synthesizeRST builds a minimal (header-only) RST segment addressed back
// to source, for packets the translator can't otherwise place: an unknown
// connection, or one whose SYN couldn't get a fake source allocated. Its
// sequence number is the incoming segment's ack, per spec: a RST carrying
// the peer's own acked sequence always falls inside its receive window, so
// the peer's TCP stack accepts it instead of silently dropping an
// out-of-window reset.
func synthesizeRST(packet []byte, ihl int, source, target netip.AddrPort, ack uint32) []byte {
	total := ihl + 20
	out := make([]byte, total)
	copy(out, packet[:ihl])
	out[0] = byte(4<<4 | ihl/4)
	binary.BigEndian.PutUint16(out[2:4], uint16(total))

	srcBytes := target.Addr().As4()
	dstBytes := source.Addr().As4()
	copy(out[12:16], srcBytes[:])
	copy(out[16:20], dstBytes[:])

	tcp := out[ihl:]
	binary.BigEndian.PutUint16(tcp[0:2], target.Port())
	binary.BigEndian.PutUint16(tcp[2:4], source.Port())
	binary.BigEndian.PutUint32(tcp[4:8], ack)
	tcp[12] = 5 << 4
	tcp[13] = flagRST

	recomputeChecksums(out, ihl)
	return out
}
