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
	"github.com/willf/bitset"

	"github.com/kraken-torrent/corebt/internal/piece"
	"github.com/kraken-torrent/corebt/internal/wire"
)

// assignPieces runs one round of the piece assignment loop (SPEC_FULL.md
// §4.6(3)): for every peer session that can download and currently holds no
// assignment, it selects a piece the peer has that is not already assigned
// to another peer, issues REQUEST for every block of the piece, and records
// the assignment so future rounds skip that peer until the piece resolves.
//
// When the number of pieces remaining is at or below EndgameThreshold, the
// loop switches to endgame mode: the exclusion set is ignored, and every
// still-missing piece is requested in parallel from every capable peer,
// relying on the first PIECE to arrive to trigger CANCELs to the rest.
func (c *Coordinator) assignPieces() {
	sessions := c.pool.Sessions()

	remaining := c.manager.NumPieces() - int(c.manager.Downloaded())
	if remaining <= 0 {
		return
	}
	if remaining <= c.config.EndgameThreshold {
		c.assignEndgame(sessions)
		return
	}

	exclude := c.assignedExclusionSet()
	rarity := c.peerRarity(sessions)

	for _, sess := range sessions {
		choked := !sess.conn.State.CanDownload()
		if choked && sess.conn.AllowedFast.None() {
			continue
		}
		if sess.assignment.pieceIndex != -1 {
			continue
		}
		peerHave := sess.conn.PeerHave
		if choked {
			// Fast Extension (BEP 6): a choked peer may still be asked for
			// pieces it explicitly allowed, but nothing else.
			peerHave = peerHave.Intersection(sess.conn.AllowedFast)
		}

		idx, ok := c.manager.SelectSuggested(sess.conn.Suggested, peerHave, exclude)
		if !ok {
			idx, ok = c.manager.SelectRandomFirst(peerHave, exclude)
		}
		if !ok {
			idx, ok = c.manager.SelectRarestFirst(peerHave, exclude, rarity)
		}
		if !ok {
			continue
		}

		c.startAssignment(sess, idx)
		exclude.Set(uint(idx))
	}
}

// assignEndgame requests every still-missing piece from every peer capable
// of serving it, ignoring per-peer single-assignment bookkeeping.
func (c *Coordinator) assignEndgame(sessions []*peerSession) {
	for i := 0; i < c.manager.NumPieces(); i++ {
		if c.manager.HavePiece(i) {
			continue
		}
		for _, sess := range sessions {
			if !sess.conn.PeerHave.Test(uint(i)) {
				continue
			}
			if !sess.conn.CanRequestPiece(i) {
				continue
			}
			c.requestPieceBlocks(sess, i)
		}
	}
}

// startAssignment marks sess as working on piece idx and issues REQUEST for
// every block.
func (c *Coordinator) startAssignment(sess *peerSession, idx int) {
	c.pool.mu.Lock()
	sess.assignment.pieceIndex = idx
	c.pool.mu.Unlock()
	c.requestPieceBlocks(sess, idx)
}

// requestPieceBlocks sends a REQUEST for every block of piece idx that is
// not already pending with sess.
func (c *Coordinator) requestPieceBlocks(sess *peerSession, idx int) {
	for _, b := range c.manager.GetBlocksForPiece(idx) {
		if sess.conn.Requests.Quota() <= 0 {
			break
		}
		sess.conn.Requests.Add(idx, b.Offset, b.Length)
		_ = sess.conn.Send(wire.RequestMessage(uint32(idx), uint32(b.Offset), uint32(b.Length)))
	}
}

// clearAssignment removes sess's current piece assignment, e.g. on
// completion, verification failure, or disconnect.
func (c *Coordinator) clearAssignment(sess *peerSession) {
	c.pool.mu.Lock()
	sess.assignment.pieceIndex = -1
	c.pool.mu.Unlock()
}

// assignedExclusionSet returns the set of piece indices currently assigned
// to some peer, so the non-endgame loop doesn't double-assign a piece.
func (c *Coordinator) assignedExclusionSet() *bitset.BitSet {
	exclude := bitset.New(uint(c.manager.NumPieces()))
	for _, sess := range c.pool.Sessions() {
		if sess.assignment.pieceIndex != -1 {
			exclude.Set(uint(sess.assignment.pieceIndex))
		}
	}
	return exclude
}

// peerRarity computes the rarity table across all connected peers' have
// vectors, for rarest-first selection.
func (c *Coordinator) peerRarity(sessions []*peerSession) []int {
	haves := make([]*bitset.BitSet, 0, len(sessions))
	for _, sess := range sessions {
		haves = append(haves, sess.conn.PeerHave)
	}
	return piece.Rarity(c.manager.NumPieces(), haves)
}
