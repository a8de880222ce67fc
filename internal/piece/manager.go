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

// Package piece owns the piece-have vector, the in-progress-piece table,
// and the piece fingerprint table, and provides block-level add/verify/
// commit plus the three piece selection strategies.
package piece

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/willf/bitset"
	"go.uber.org/atomic"

	"github.com/kraken-torrent/corebt/internal/core"
)

// BlockSize is the fixed block size used for block-level transfer.
const BlockSize = 16 * 1024

// RandomFirstThreshold is the number of pieces random-first selection picks
// before deferring to rarest-first.
const RandomFirstThreshold = 4

// FileStore is the subset of store.FileStore the piece manager needs to
// commit verified pieces. Kept minimal here to avoid a dependency cycle
// with internal/store.
type FileStore interface {
	WritePiece(pieceIndex int, data []byte) error
}

// Block identifies one (piece, offset, length) unit of transfer.
type Block struct {
	Offset int64
	Length int64
}

// Index returns the block's index within its piece.
func (b Block) Index() int {
	return int(b.Offset / BlockSize)
}

// inProgress tracks partial progress on a single piece.
type inProgress struct {
	buf      []byte
	received *bitset.BitSet // one bit per block
	numWant  int
	numGot   int
}

// Manager owns all piece-level download state for a single torrent.
type Manager struct {
	mu sync.RWMutex

	pieceLength  int64
	totalLength  int64
	fingerprints []core.Fingerprint

	have       *bitset.BitSet
	inProgress map[int]*inProgress

	downloaded *atomic.Int64
}

// NewManager constructs a Manager for a torrent with the given piece
// length, total length, and per-piece fingerprints.
func NewManager(pieceLength, totalLength int64, fingerprints []core.Fingerprint) *Manager {
	return &Manager{
		pieceLength:  pieceLength,
		totalLength:  totalLength,
		fingerprints: fingerprints,
		have:         bitset.New(uint(len(fingerprints))),
		inProgress:   make(map[int]*inProgress),
		downloaded:   atomic.NewInt64(0),
	}
}

// NumPieces returns the total number of pieces.
func (m *Manager) NumPieces() int {
	return len(m.fingerprints)
}

// PieceSize returns the size of piece i, accounting for a shorter final
// piece.
func (m *Manager) PieceSize(i int) int64 {
	if i == len(m.fingerprints)-1 {
		last := m.totalLength - int64(i)*m.pieceLength
		if last > 0 {
			return last
		}
	}
	return m.pieceLength
}

// GetBlocksForPiece returns the canonical block partition of piece i.
func (m *Manager) GetBlocksForPiece(i int) []Block {
	size := m.PieceSize(i)
	var blocks []Block
	for off := int64(0); off < size; off += BlockSize {
		length := BlockSize
		if remaining := size - off; remaining < BlockSize {
			length = int(remaining)
		}
		blocks = append(blocks, Block{Offset: off, Length: int64(length)})
	}
	return blocks
}

// HaveVector returns a copy of our piece-have vector, safe for the caller
// to retain and mutate.
func (m *Manager) HaveVector() *bitset.BitSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.have.Clone()
}

// HavePiece reports whether we already possess piece i.
func (m *Manager) HavePiece(i int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.have.Test(uint(i))
}

// Downloaded returns the number of pieces successfully downloaded so far.
func (m *Manager) Downloaded() int64 {
	return m.downloaded.Load()
}

// IsComplete reports whether every piece has been downloaded.
func (m *Manager) IsComplete() bool {
	return m.Downloaded() == int64(m.NumPieces())
}

// AddBlock copies bytes into piece i's in-progress buffer at offset. If we
// already have piece i, this is a no-op that still returns nil so callers
// don't retry needlessly. Duplicate blocks are idempotent.
func (m *Manager) AddBlock(i int, offset int64, data []byte) error {
	m.mu.Lock()
	if m.have.Test(uint(i)) {
		m.mu.Unlock()
		return nil
	}
	if i < 0 || i >= m.NumPieces() {
		m.mu.Unlock()
		return fmt.Errorf("piece: index %d out of range [0, %d)", i, m.NumPieces())
	}
	size := m.PieceSize(i)
	if offset%BlockSize != 0 {
		m.mu.Unlock()
		return fmt.Errorf("piece: offset %d is not block-aligned", offset)
	}
	if offset+int64(len(data)) > size {
		m.mu.Unlock()
		return fmt.Errorf("piece: block at offset %d length %d exceeds piece size %d", offset, len(data), size)
	}
	blockIdx := offset / BlockSize
	numBlocks := uint((size + BlockSize - 1) / BlockSize)

	ip, ok := m.inProgress[i]
	if !ok {
		ip = &inProgress{
			buf:      make([]byte, size),
			received: bitset.New(numBlocks),
			numWant:  int(numBlocks),
		}
		m.inProgress[i] = ip
	}
	alreadyReceived := ip.received.Test(uint(blockIdx))
	m.mu.Unlock()

	if alreadyReceived {
		return nil
	}

	m.mu.Lock()
	// Re-check under lock in case of a racing duplicate AddBlock for the
	// same block; copy only happens once.
	if !ip.received.Test(uint(blockIdx)) {
		copy(ip.buf[offset:], data)
		ip.received.Set(uint(blockIdx))
		ip.numGot++
	}
	m.mu.Unlock()
	return nil
}

// PieceReady reports whether every block of in-progress piece i has
// arrived.
func (m *Manager) PieceReady(i int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ip, ok := m.inProgress[i]
	return ok && ip.numGot == ip.numWant
}

// CompletePiece verifies the in-progress piece i against its fingerprint.
// On success, it writes the piece through store, marks it in the
// piece-have vector, increments the downloaded count, and returns true. On
// a hash mismatch, the in-progress entry is discarded and false is
// returned so the piece becomes reassignable.
func (m *Manager) CompletePiece(i int, store FileStore) (bool, error) {
	m.mu.Lock()
	ip, ok := m.inProgress[i]
	if !ok || ip.numGot != ip.numWant {
		m.mu.Unlock()
		return false, fmt.Errorf("piece: piece %d is not ready to complete", i)
	}
	buf := ip.buf
	m.mu.Unlock()

	if !m.fingerprints[i].Verify(buf) {
		m.mu.Lock()
		delete(m.inProgress, i)
		m.mu.Unlock()
		return false, nil
	}

	if err := store.WritePiece(i, buf); err != nil {
		return false, fmt.Errorf("piece: write piece %d: %w", i, err)
	}

	m.mu.Lock()
	m.have.Set(uint(i))
	delete(m.inProgress, i)
	m.mu.Unlock()
	m.downloaded.Inc()
	return true, nil
}

// DropInProgress discards any partial progress on piece i without
// verification, e.g. when a peer disconnects mid-piece and we choose to
// restart it from scratch.
func (m *Manager) DropInProgress(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgress, i)
}

// eligible reports whether piece i is a valid selection candidate: the
// peer has it, we lack it, it is not already in progress, and it is not in
// the exclusion set.
func (m *Manager) eligible(i int, peerHave, exclude *bitset.BitSet) bool {
	if !peerHave.Test(uint(i)) {
		return false
	}
	if exclude != nil && exclude.Test(uint(i)) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.have.Test(uint(i)) {
		return false
	}
	if _, inProgress := m.inProgress[i]; inProgress {
		return false
	}
	return true
}

// SelectSequential returns the lowest-index eligible piece, or false if
// none exists.
func (m *Manager) SelectSequential(peerHave, exclude *bitset.BitSet) (int, bool) {
	for i := 0; i < m.NumPieces(); i++ {
		if m.eligible(i, peerHave, exclude) {
			return i, true
		}
	}
	return 0, false
}

// SelectRandomFirst returns a uniformly random eligible piece, as long as
// fewer than RandomFirstThreshold pieces have been downloaded so far. Once
// that threshold is reached, it returns false so callers fall back to
// rarest-first.
func (m *Manager) SelectRandomFirst(peerHave, exclude *bitset.BitSet) (int, bool) {
	if m.Downloaded() >= RandomFirstThreshold {
		return 0, false
	}
	var candidates []int
	for i := 0; i < m.NumPieces(); i++ {
		if m.eligible(i, peerHave, exclude) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// SelectSuggested returns the lowest-index eligible piece among those the
// peer has hinted via SUGGEST_PIECE (BEP 6), or false if none of its
// suggestions are currently eligible.
func (m *Manager) SelectSuggested(suggested, peerHave, exclude *bitset.BitSet) (int, bool) {
	if suggested == nil {
		return 0, false
	}
	for i := uint(0); i < suggested.Len(); i++ {
		if suggested.Test(i) && m.eligible(int(i), peerHave, exclude) {
			return int(i), true
		}
	}
	return 0, false
}

// SelectRarestFirst returns the eligible piece with the smallest non-zero
// entry in rarity (a count of peers holding each piece index), breaking
// ties by piece index.
func (m *Manager) SelectRarestFirst(peerHave, exclude *bitset.BitSet, rarity []int) (int, bool) {
	var candidates []int
	for i := 0; i < m.NumPieces(); i++ {
		if i >= len(rarity) || rarity[i] == 0 {
			continue
		}
		if m.eligible(i, peerHave, exclude) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	pq := newPriorityQueue(candidates, func(i int) int {
		if i < len(rarity) {
			return rarity[i]
		}
		return 0
	})
	best, err := pq.Pop()
	if err != nil {
		return 0, false
	}
	return best, true
}

// Rarity computes, for every piece index, the number of peer have-vectors
// in peerHaves that hold it.
func Rarity(numPieces int, peerHaves []*bitset.BitSet) []int {
	rarity := make([]int, numPieces)
	for _, have := range peerHaves {
		for i := 0; i < numPieces; i++ {
			if have.Test(uint(i)) {
				rarity[i]++
			}
		}
	}
	return rarity
}
