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
package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// TokenLength is the size of an announce_peer token, in bytes.
const TokenLength = 8

// SecretRotationInterval is how often the token server rotates its secret.
const SecretRotationInterval = time.Hour

// TokenServer issues and validates get_peers/announce_peer tokens. It keeps
// a current and previous secret so tokens remain valid for up to two
// rotation intervals.
type TokenServer struct {
	mu            sync.Mutex
	clk           clock.Clock
	current       [TokenLength]byte
	previous      [TokenLength]byte
	lastRotatedAt time.Time
}

// NewTokenServer creates a TokenServer with a freshly randomized secret.
func NewTokenServer(clk clock.Clock) (*TokenServer, error) {
	s := &TokenServer{clk: clk, lastRotatedAt: clk.Now()}
	if _, err := rand.Read(s.current[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(s.previous[:]); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TokenServer) maybeRotate() {
	if s.clk.Now().Sub(s.lastRotatedAt) < SecretRotationInterval {
		return
	}
	s.previous = s.current
	rand.Read(s.current[:])
	s.lastRotatedAt = s.clk.Now()
}

// Issue returns a token for a querier at ip requesting peers for infoHash,
// valid until rotated out two rotations from now.
func (s *TokenServer) Issue(ip net.IP, infoHash ID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotate()
	return computeToken(ip, infoHash, s.current)
}

// Validate reports whether token was issued for (ip, infoHash) under either
// the current or previous secret.
func (s *TokenServer) Validate(ip net.IP, infoHash ID, token []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotate()
	return constantTimeEqual(token, computeToken(ip, infoHash, s.current)) ||
		constantTimeEqual(token, computeToken(ip, infoHash, s.previous))
}

func computeToken(ip net.IP, infoHash ID, secret [TokenLength]byte) []byte {
	h := sha1.New()
	h.Write(ip.To4())
	h.Write(secret[:])
	h.Write(infoHash.Bytes())
	sum := h.Sum(nil)
	return sum[:TokenLength]
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
