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
package extension

import (
	"fmt"
	"net"

	"github.com/kraken-torrent/corebt/internal/bencode"
)

// compactPeerSize is the BEP 23 compact peer representation: 4-byte IPv4
// address followed by a 2-byte big-endian port.
const compactPeerSize = 6

// PexMessage is the bencoded payload of a ut_pex EXTENDED message: the
// peers added and dropped since the last message sent to this peer.
type PexMessage struct {
	// Added is the compact (IPv4, port) list of newly seen peers.
	Added []string
	// Dropped is the compact (IPv4, port) list of peers no longer connected.
	Dropped []string
}

// EncodeCompactPeers renders addrs ("host:port" strings) as the BEP 23
// compact peer format, skipping any that don't parse as IPv4.
func EncodeCompactPeers(addrs []string) []byte {
	out := make([]byte, 0, len(addrs)*compactPeerSize)
	for _, a := range addrs {
		host, port, err := net.SplitHostPort(a)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			continue
		}
		out = append(out, ip4...)
		out = append(out, byte(p>>8), byte(p))
	}
	return out
}

// DecodeCompactPeers parses the BEP 23 compact peer format back into
// "host:port" strings, ignoring a trailing partial entry.
func DecodeCompactPeers(raw []byte) []string {
	var out []string
	for i := 0; i+compactPeerSize <= len(raw); i += compactPeerSize {
		ip := net.IP(raw[i : i+4])
		port := int(raw[i+4])<<8 | int(raw[i+5])
		out = append(out, fmt.Sprintf("%s:%d", ip.String(), port))
	}
	return out
}

// Encode renders m as a bencode dict carrying the compact added/dropped
// peer lists, per BEP 11.
func (m PexMessage) Encode() []byte {
	fields := map[string]bencode.Value{
		"added":   bencode.NewString(EncodeCompactPeers(m.Added)),
		"dropped": bencode.NewString(EncodeCompactPeers(m.Dropped)),
	}
	return bencode.Encode(bencode.NewDict(fields))
}

// DecodePexMessage parses a bencoded ut_pex payload.
func DecodePexMessage(payload []byte) (PexMessage, error) {
	v, err := bencode.DecodeAll(payload)
	if err != nil {
		return PexMessage{}, fmt.Errorf("extension: decode pex message: %w", err)
	}
	var m PexMessage
	if raw, err := v.GetString("added"); err == nil {
		m.Added = DecodeCompactPeers(raw)
	}
	if raw, err := v.GetString("dropped"); err == nil {
		m.Dropped = DecodeCompactPeers(raw)
	}
	return m, nil
}
