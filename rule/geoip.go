// Copyright (c) 2024 The Shrike Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rule

import (
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"

	"github.com/shrikeproxy/shrike/internal/log"
)

// MaxMindReader implements GeoReader atop a MaxMind GeoLite2/GeoIP2 Country
// database. Downloading/refreshing the database file is out of scope (see
// spec.md §1); this type only reads an already-present file.
type MaxMindReader struct {
	db *geoip2.Reader
}

var _ GeoReader = (*MaxMindReader)(nil)

// OpenMaxMind memory-maps the database at path.
func OpenMaxMind(path string) (*MaxMindReader, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindReader{db: db}, nil
}

// Close releases the underlying mmap.
func (m *MaxMindReader) Close() error { return m.db.Close() }

// Country looks up the ISO alpha-2 country code for ip. A miss (address not
// present in the database) is reported as found=false, err=nil — the caller
// treats that as "no match", never as an error to propagate, per spec.
func (m *MaxMindReader) Country(ip netip.Addr) (string, bool, error) {
	rec, err := m.db.Country(net.IP(ip.AsSlice()))
	if err != nil {
		// Reader errors (corrupt db, io failure) are silently treated as
		// no-match by the caller, but logging helps a dead/invalid
		// database show up in ops without crashing the rule chain.
		log.W("rule: geoip: lookup(%s) failed: %v", ip, err)
		return "", false, err
	}
	if rec.Country.IsoCode == "" {
		return "", false, nil
	}
	return rec.Country.IsoCode, true, nil
}
