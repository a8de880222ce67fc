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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/corebt/internal/bencode"
	"github.com/kraken-torrent/corebt/internal/core"
)

func TestResumeStateEncodeDecodeRoundTrip(t *testing.T) {
	m, piece0, _ := twoPieceManager(t)
	store := newFakeStore()
	require.NoError(t, m.AddBlock(0, 0, piece0))
	ok, err := m.CompletePiece(0, store)
	require.NoError(t, err)
	require.True(t, ok)

	fp := core.NewFingerprint([]byte("torrent info dict"))
	raw := m.EncodeResumeState(fp)

	state, err := DecodeResumeState(raw)
	require.NoError(t, err)
	require.Equal(t, fp, state.InfoFingerprint)
	require.Equal(t, m.NumPieces(), state.NumPieces)

	got := make([]bool, m.NumPieces())
	for i := 0; i < m.NumPieces(); i++ {
		byteIdx := i / 8
		bitIdx := uint(7 - i%8)
		got[i] = state.Have[byteIdx]&(1<<bitIdx) != 0
	}
	require.Equal(t, []bool{true, false}, got)
}

func TestManagerRestoreAppliesMatchingState(t *testing.T) {
	m, _, _ := twoPieceManager(t)
	fp := core.NewFingerprint([]byte("torrent info dict"))

	source, piece0, _ := twoPieceManager(t)
	require.NoError(t, source.AddBlock(0, 0, piece0))
	_, err := source.CompletePiece(0, newFakeStore())
	require.NoError(t, err)
	state, err := DecodeResumeState(source.EncodeResumeState(fp))
	require.NoError(t, err)

	restored := m.Restore(state)
	require.Equal(t, 1, restored)
	require.True(t, m.HavePiece(0))
	require.False(t, m.HavePiece(1))
	require.Equal(t, int64(1), m.Downloaded())
}

func TestManagerRestoreRejectsMismatchedPieceCount(t *testing.T) {
	m, _, _ := twoPieceManager(t)
	state := ResumeState{NumPieces: m.NumPieces() + 1, Have: []byte{0xFF}}
	restored := m.Restore(state)
	require.Equal(t, 0, restored)
	require.False(t, m.HavePiece(0))
}

func TestManagerRestoreIsIdempotent(t *testing.T) {
	m, _, _ := twoPieceManager(t)
	state := ResumeState{NumPieces: m.NumPieces(), Have: []byte{0x80}}

	first := m.Restore(state)
	require.Equal(t, 1, first)
	second := m.Restore(state)
	require.Equal(t, 0, second)
	require.Equal(t, int64(1), m.Downloaded())
}

func TestDecodeResumeStateRejectsBadFingerprintLength(t *testing.T) {
	raw := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"info_fingerprint": bencode.NewString([]byte("too short")),
		"num_pieces":       bencode.NewInt(2),
		"have":             bencode.NewString([]byte{0x80}),
	}))
	_, err := DecodeResumeState(raw)
	require.Error(t, err)
}
