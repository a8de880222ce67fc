// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package magnet parses magnet URIs into partial torrent descriptors: an
// info-fingerprint, an optional display name, optional tracker and
// web-seed URLs, and an optional declared length. Everything else
// (piece length, piece fingerprint table) is unknown until metadata
// exchange fills it in.
package magnet

import (
	"encoding/base32"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kraken-torrent/corebt/internal/core"
)

const scheme = "magnet"

// Magnet is a partial torrent descriptor parsed from a magnet URI.
type Magnet struct {
	InfoFingerprint core.Fingerprint
	Name            string
	Trackers        []string
	WebSeeds        []string
	Length          int64 // 0 if xl was absent
}

// Parse parses a magnet URI of the form
// "magnet:?xt=urn:btih:<hash>&dn=<name>&tr=<url>&ws=<url>&xl=<length>".
func Parse(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("magnet: invalid uri: %w", err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("magnet: unexpected scheme %q", u.Scheme)
	}
	q := u.Query()

	var fp core.Fingerprint
	var found bool
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		hash := strings.TrimPrefix(xt, prefix)
		fp, err = decodeInfoHash(hash)
		if err != nil {
			return nil, fmt.Errorf("magnet: xt: %w", err)
		}
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("magnet: missing xt=urn:btih: parameter")
	}

	m := &Magnet{
		InfoFingerprint: fp,
		Name:            q.Get("dn"),
		Trackers:        q["tr"],
		WebSeeds:        q["ws"],
	}
	if xl := q.Get("xl"); xl != "" {
		n, err := strconv.ParseInt(xl, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("magnet: invalid xl: %w", err)
		}
		m.Length = n
	}
	return m, nil
}

func decodeInfoHash(hash string) (core.Fingerprint, error) {
	switch len(hash) {
	case core.FingerprintLength * 2:
		return core.NewFingerprintFromHex(hash)
	case 32:
		raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(hash))
		if err != nil {
			return core.Fingerprint{}, fmt.Errorf("invalid base32 info hash: %w", err)
		}
		if len(raw) != core.FingerprintLength {
			return core.Fingerprint{}, fmt.Errorf("decoded base32 info hash has length %d, want %d", len(raw), core.FingerprintLength)
		}
		return core.NewFingerprintFromBytes(raw), nil
	default:
		return core.Fingerprint{}, fmt.Errorf("info hash has invalid length %d, want %d (hex) or 32 (base32)", len(hash), core.FingerprintLength*2)
	}
}

// String reconstructs a canonical magnet URI from m.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+m.InfoFingerprint.Hex())
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	for _, tr := range m.Trackers {
		v.Add("tr", tr)
	}
	for _, ws := range m.WebSeeds {
		v.Add("ws", ws)
	}
	if m.Length > 0 {
		v.Set("xl", strconv.FormatInt(m.Length, 10))
	}
	return scheme + ":?" + v.Encode()
}
