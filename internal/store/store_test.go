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
package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/corebt/internal/torrentfile"
)

func TestDiskStoreSingleFileWriteRead(t *testing.T) {
	dir := t.TempDir()
	tf := &torrentfile.Torrent{
		Name:        "demo.bin",
		PieceLength: 8,
		Files:       []torrentfile.File{{Length: 16}},
	}
	s := NewDiskStore(tf, dir)
	require.NoError(t, s.Initialize())
	defer s.Close()

	require.NoError(t, s.WritePiece(0, []byte("aaaaaaaa")))
	require.NoError(t, s.WritePiece(1, []byte("bbbbbbbb")))

	got0, err := s.ReadPiece(0)
	require.NoError(t, err)
	require.Equal(t, []byte("aaaaaaaa"), got0)

	got1, err := s.ReadPiece(1)
	require.NoError(t, err)
	require.Equal(t, []byte("bbbbbbbb"), got1)

	raw, err := os.ReadFile(filepath.Join(dir, "demo.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("aaaaaaaabbbbbbbb"), raw)
}

func TestDiskStoreMultiFilePieceSpansTwoFiles(t *testing.T) {
	dir := t.TempDir()
	tf := &torrentfile.Torrent{
		Name:        "demo-dir",
		PieceLength: 10,
		Files: []torrentfile.File{
			{Length: 6, Path: []string{"a.bin"}},
			{Length: 6, Path: []string{"b.bin"}},
		},
	}
	s := NewDiskStore(tf, dir)
	require.NoError(t, s.Initialize())
	defer s.Close()

	// Piece 0 spans bytes [0,10): all 6 bytes of a.bin plus first 4 of b.bin.
	require.NoError(t, s.WritePiece(0, []byte("0123456789")))
	// Piece 1 spans bytes [10,12): the remaining 2 bytes of b.bin.
	require.NoError(t, s.WritePiece(1, []byte("XY")))

	a, err := os.ReadFile(filepath.Join(dir, "demo-dir", "a.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("012345"), a)

	b, err := os.ReadFile(filepath.Join(dir, "demo-dir", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("6789XY"), b)
}
