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
package piece

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/kraken-torrent/corebt/internal/core"
)

type fakeStore struct {
	written map[int][]byte
	failOn  map[int]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{written: make(map[int][]byte), failOn: make(map[int]bool)}
}

func (s *fakeStore) WritePiece(i int, data []byte) error {
	if s.failOn[i] {
		return errors.New("simulated write failure")
	}
	cp := append([]byte(nil), data...)
	s.written[i] = cp
	return nil
}

func twoPieceManager(t *testing.T) (*Manager, []byte, []byte) {
	t.Helper()
	piece0 := []byte("0123456789abcdef") // 16 bytes, exactly 1 block
	piece1 := []byte("fedcba98")         // 8 bytes, shorter final piece
	fps := []core.Fingerprint{core.NewFingerprint(piece0), core.NewFingerprint(piece1)}
	m := NewManager(16, 24, fps)
	return m, piece0, piece1
}

func TestGetBlocksForPieceSplitsOnBlockSize(t *testing.T) {
	m := NewManager(BlockSize*2+100, BlockSize*2+100, []core.Fingerprint{{}})
	blocks := m.GetBlocksForPiece(0)
	require.Len(t, blocks, 3)
	require.Equal(t, int64(0), blocks[0].Offset)
	require.Equal(t, int64(BlockSize), blocks[0].Length)
	require.Equal(t, int64(BlockSize), blocks[1].Offset)
	require.Equal(t, int64(BlockSize), blocks[1].Length)
	require.Equal(t, int64(2*BlockSize), blocks[2].Offset)
	require.Equal(t, int64(100), blocks[2].Length)
}

func TestAddBlockAndCompletePieceSucceeds(t *testing.T) {
	m, piece0, _ := twoPieceManager(t)
	store := newFakeStore()

	require.NoError(t, m.AddBlock(0, 0, piece0))
	require.True(t, m.PieceReady(0))

	ok, err := m.CompletePiece(0, store)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.HavePiece(0))
	require.Equal(t, int64(1), m.Downloaded())
	require.Equal(t, piece0, store.written[0])
}

func TestAddBlockIsIdempotent(t *testing.T) {
	m, piece0, _ := twoPieceManager(t)
	require.NoError(t, m.AddBlock(0, 0, piece0))
	require.NoError(t, m.AddBlock(0, 0, piece0))
	require.True(t, m.PieceReady(0))
}

func TestAddBlockAfterHaveIsNoOp(t *testing.T) {
	m, piece0, _ := twoPieceManager(t)
	store := newFakeStore()
	require.NoError(t, m.AddBlock(0, 0, piece0))
	ok, err := m.CompletePiece(0, store)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.AddBlock(0, 0, piece0))
	require.False(t, m.PieceReady(0))
}

func TestAddBlockRejectsMisalignedOffset(t *testing.T) {
	m, piece0, _ := twoPieceManager(t)
	err := m.AddBlock(0, 1, piece0)
	require.Error(t, err)
}

func TestAddBlockRejectsOutOfRangeLength(t *testing.T) {
	m, _, _ := twoPieceManager(t)
	err := m.AddBlock(0, 0, make([]byte, 100))
	require.Error(t, err)
}

func TestCompletePieceFailsVerificationOnCorruption(t *testing.T) {
	m, piece0, _ := twoPieceManager(t)
	store := newFakeStore()
	corrupted := append([]byte(nil), piece0...)
	corrupted[0] ^= 0xFF
	require.NoError(t, m.AddBlock(0, 0, corrupted))

	ok, err := m.CompletePiece(0, store)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, m.HavePiece(0))
	require.Equal(t, int64(0), m.Downloaded())

	// Piece becomes reassignable: a fresh AddBlock with the correct bytes succeeds.
	require.NoError(t, m.AddBlock(0, 0, piece0))
	ok, err = m.CompletePiece(0, store)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSelectSequentialPicksLowestEligibleIndex(t *testing.T) {
	m, _, _ := twoPieceManager(t)
	peerHave := bitset.New(2).Set(0).Set(1)
	i, ok := m.SelectSequential(peerHave, nil)
	require.True(t, ok)
	require.Equal(t, 0, i)
}

func TestSelectSequentialExcludesInProgress(t *testing.T) {
	m, piece0, _ := twoPieceManager(t)
	require.NoError(t, m.AddBlock(0, 0, piece0[:1])) // mark piece 0 in-progress
	peerHave := bitset.New(2).Set(0).Set(1)
	i, ok := m.SelectSequential(peerHave, nil)
	require.True(t, ok)
	require.Equal(t, 1, i)
}

func TestSelectRarestFirstPrefersSmallestNonZeroCount(t *testing.T) {
	fps := make([]core.Fingerprint, 3)
	m := NewManager(16, 48, fps)
	peerHave := bitset.New(3).Set(0).Set(1).Set(2)
	rarity := []int{5, 1, 3}
	i, ok := m.SelectRarestFirst(peerHave, nil, rarity)
	require.True(t, ok)
	require.Equal(t, 1, i)
}

func TestRarityCountsAcrossPeers(t *testing.T) {
	a := bitset.New(3).Set(0).Set(1)
	b := bitset.New(3).Set(1)
	rarity := Rarity(3, []*bitset.BitSet{a, b})
	require.Equal(t, []int{1, 2, 0}, rarity)
}

func TestSelectRandomFirstDefersAfterThreshold(t *testing.T) {
	fps := make([]core.Fingerprint, RandomFirstThreshold+1)
	m := NewManager(16, 16*int64(len(fps)), fps)
	for i := 0; i < RandomFirstThreshold; i++ {
		m.downloaded.Inc()
	}
	peerHave := bitset.New(uint(len(fps)))
	for i := range fps {
		peerHave.Set(uint(i))
	}
	_, ok := m.SelectRandomFirst(peerHave, nil)
	require.False(t, ok)
}
