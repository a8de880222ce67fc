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
package coordinator

import (
	"sync"

	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/peerconn"
)

// assignment tracks the single in-flight piece a peer's driver has been
// given by the assignment loop. pieceIndex is -1 when the peer has none.
type assignment struct {
	pieceIndex int
}

// peerSession bundles a live connection with the coordinator's bookkeeping
// for it.
type peerSession struct {
	conn       *peerconn.Conn
	assignment assignment

	// pexID is the extension-message id this peer advertised for ut_pex in
	// its extended handshake; -1 until one arrives.
	pexID int
	// pexKnown is the set of "ip:port" addresses this peer is already known
	// to have been told about via PEX, so repeat broadcasts only carry the
	// delta.
	pexKnown map[string]bool
}

// pool is the bounded set of currently active peer sessions.
type pool struct {
	mu       sync.Mutex
	maxPeers int
	sessions map[core.PeerID]*peerSession
}

func newPool(maxPeers int) *pool {
	return &pool{maxPeers: maxPeers, sessions: make(map[core.PeerID]*peerSession)}
}

// Add registers a new session, returning false if the pool is already at
// capacity.
func (p *pool) Add(c *peerconn.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) >= p.maxPeers {
		return false
	}
	if _, ok := p.sessions[c.PeerID()]; ok {
		return false
	}
	p.sessions[c.PeerID()] = &peerSession{
		conn:       c,
		assignment: assignment{pieceIndex: -1},
		pexID:      -1,
		pexKnown:   make(map[string]bool),
	}
	return true
}

// Remove drops a session, e.g. on disconnect or eviction.
func (p *pool) Remove(id core.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
}

// Len returns the number of active sessions.
func (p *pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// HasRoom reports whether the pool can accept another peer.
func (p *pool) HasRoom() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions) < p.maxPeers
}

// Sessions returns a snapshot of all active sessions.
func (p *pool) Sessions() []*peerSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*peerSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Get returns the session for id, if present.
func (p *pool) Get(id core.PeerID) (*peerSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}
