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

// Package peerconn manages a single peer connection after handshake: the
// choke/interest state machine, pending-request bookkeeping, and the
// sender/receiver goroutines that frame messages onto the socket.
package peerconn

import "sync"

// State holds the four choke/interest flags for one peer connection.
// Initial values, per the peer wire protocol: am_choking=true,
// am_interested=false, peer_choking=true, peer_interested=false.
type State struct {
	mu             sync.RWMutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
}

// NewState returns a State at its initial values.
func NewState() *State {
	return &State{amChoking: true, peerChoking: true}
}

// SetAmChoking sets whether we are choking the peer.
func (s *State) SetAmChoking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amChoking = v
}

// SetAmInterested sets whether we are interested in the peer.
func (s *State) SetAmInterested(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amInterested = v
}

// SetPeerChoking sets whether the peer is choking us.
func (s *State) SetPeerChoking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerChoking = v
}

// SetPeerInterested sets whether the peer is interested in us.
func (s *State) SetPeerInterested(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerInterested = v
}

// AmChoking reports whether we are choking the peer.
func (s *State) AmChoking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.amChoking
}

// AmInterested reports whether we are interested in the peer.
func (s *State) AmInterested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.amInterested
}

// PeerChoking reports whether the peer is choking us.
func (s *State) PeerChoking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerChoking
}

// PeerInterested reports whether the peer is interested in us.
func (s *State) PeerInterested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerInterested
}

// CanDownload reports whether we may request blocks from the peer:
// !peer_choking && am_interested.
func (s *State) CanDownload() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.peerChoking && s.amInterested
}

// MayUpload reports whether the peer may request blocks from us:
// !am_choking && peer_interested.
func (s *State) MayUpload() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.amChoking && s.peerInterested
}
