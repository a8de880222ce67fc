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

// Package extension implements the BEP 10 extension protocol envelope
// (wire.Extended, sub-type 0 handshake) and the ut_metadata (BEP 9)
// metadata exchange built on top of it.
package extension

import (
	"fmt"

	"github.com/kraken-torrent/corebt/internal/bencode"
)

// HandshakeSubType is the EXTENDED sub-type id reserved for the extended
// handshake itself.
const HandshakeSubType = 0

// MetadataExtensionName is the extension name peers agree on for
// ut_metadata exchange.
const MetadataExtensionName = "ut_metadata"

// PexExtensionName is the extension name used for peer exchange.
const PexExtensionName = "ut_pex"

// Handshake is the bencoded payload of the sub-type-0 EXTENDED message.
type Handshake struct {
	// M maps extension name to the local id the sender wants it requested
	// under.
	M map[string]int
	// MetadataSize is the total size of the info dictionary, in bytes, if
	// known.
	MetadataSize int
	// V is a free-form client version string.
	V string
	// P is the sender's DHT/listen port, if it wants to advertise one.
	P int
}

// Encode renders h as a bencode dict.
func (h Handshake) Encode() []byte {
	m := make(map[string]bencode.Value, len(h.M))
	for name, id := range h.M {
		m[name] = bencode.NewInt(int64(id))
	}
	fields := map[string]bencode.Value{
		"m": bencode.NewDict(m),
	}
	if h.MetadataSize > 0 {
		fields["metadata_size"] = bencode.NewInt(int64(h.MetadataSize))
	}
	if h.V != "" {
		fields["v"] = bencode.NewString([]byte(h.V))
	}
	if h.P > 0 {
		fields["p"] = bencode.NewInt(int64(h.P))
	}
	return bencode.Encode(bencode.NewDict(fields))
}

// DecodeHandshake parses a bencoded sub-type-0 EXTENDED payload.
func DecodeHandshake(payload []byte) (Handshake, error) {
	v, err := bencode.DecodeAll(payload)
	if err != nil {
		return Handshake{}, fmt.Errorf("extension: decode handshake: %w", err)
	}
	mVal, err := v.GetDict("m")
	if err != nil {
		return Handshake{}, fmt.Errorf("extension: handshake missing m: %w", err)
	}
	h := Handshake{M: make(map[string]int, len(mVal.Dict()))}
	for name, idVal := range mVal.Dict() {
		if idVal.Kind() != bencode.KindInt {
			continue
		}
		h.M[name] = int(idVal.Int())
	}
	if n, err := v.GetInt("metadata_size"); err == nil {
		h.MetadataSize = int(n)
	}
	if s, err := v.GetString("v"); err == nil {
		h.V = string(s)
	}
	if p, err := v.GetInt("p"); err == nil {
		h.P = int(p)
	}
	return h, nil
}
