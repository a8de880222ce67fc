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
package core

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// PeerIDLength is the fixed size of a PeerID, in bytes.
const PeerIDLength = 20

// PeerID identifies a participant in a swarm. Our own PeerID is generated
// once at process startup and stable for the process lifetime; remote
// PeerIDs are opaque bytes received during handshake.
type PeerID [PeerIDLength]byte

// ErrInvalidPeerIDLength is returned when a string does not decode into
// exactly PeerIDLength bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// NewPeerIDFromBytes copies raw into a PeerID. Panics if raw is not exactly
// PeerIDLength bytes -- callers receiving peer ids off the wire must slice
// exactly PeerIDLength bytes before calling this.
func NewPeerIDFromBytes(raw []byte) PeerID {
	if len(raw) != PeerIDLength {
		panic(fmt.Sprintf("peer id must be %d bytes, got %d", PeerIDLength, len(raw)))
	}
	var p PeerID
	copy(p[:], raw)
	return p
}

// NewPeerIDFromHex parses a PeerID from a hexadecimal string.
func NewPeerIDFromHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(b) != PeerIDLength {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// RandomPeerID generates a random PeerID, suitable for our own identity.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	if _, err := rand.Read(p[:]); err != nil {
		return PeerID{}, err
	}
	return p, nil
}

// HashedPeerID derives a PeerID deterministically from s. Useful in tests
// that need stable, reproducible identities.
func HashedPeerID(s string) (PeerID, error) {
	var p PeerID
	if s == "" {
		return p, errors.New("cannot generate peer id from empty string")
	}
	h := sha1.New()
	io.WriteString(h, s)
	copy(p[:], h.Sum(nil))
	return p, nil
}

// Bytes returns the raw byte representation of p.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// Hex returns the hexadecimal string representation of p.
func (p PeerID) Hex() string {
	return hex.EncodeToString(p[:])
}

func (p PeerID) String() string {
	return p.Hex()
}
