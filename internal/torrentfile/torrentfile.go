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

// Package torrentfile decodes .torrent files into immutable Torrent
// descriptors: announce URLs, the file map, and the piece fingerprint
// table, with the info-fingerprint computed over the original encoded
// bytes of the info subtree rather than a re-encoding.
package torrentfile

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kraken-torrent/corebt/internal/bencode"
	"github.com/kraken-torrent/corebt/internal/core"
)

// File describes one file within a (possibly multi-file) torrent, laid out
// contiguously in the torrent's virtual linear byte space.
type File struct {
	Length int64
	Path   []string
}

// Torrent is an immutable descriptor built once from a .torrent file's
// bytes. Every field is populated at construction time; there are no
// setters.
type Torrent struct {
	InfoFingerprint   core.Fingerprint
	Name              string
	PieceLength       int64
	PieceFingerprints []core.Fingerprint
	Files             []File
	Announce          string
	AnnounceList      [][]string
	Comment           string
	CreatedBy         string
	CreationDate      int64
}

// Decode parses raw .torrent file bytes into a Torrent.
func Decode(raw []byte) (*Torrent, error) {
	root, err := bencode.DecodeAll(raw)
	if err != nil {
		return nil, fmt.Errorf("torrentfile: decode: %w", err)
	}
	if root.Kind() != bencode.KindDict {
		return nil, fmt.Errorf("torrentfile: top-level value is not a dict")
	}

	t := &Torrent{}

	if announce, err := root.GetString("announce"); err == nil {
		t.Announce = string(announce)
	}
	if comment, err := root.GetString("comment"); err == nil {
		t.Comment = string(comment)
	}
	if createdBy, err := root.GetString("created by"); err == nil {
		t.CreatedBy = string(createdBy)
	}
	if creationDate, err := root.GetInt("creation date"); err == nil {
		t.CreationDate = creationDate
	}
	if announceListVal, err := root.GetList("announce-list"); err == nil {
		for _, tierVal := range announceListVal {
			if tierVal.Kind() != bencode.KindList {
				continue
			}
			var tier []string
			for _, urlVal := range tierVal.List() {
				if urlVal.Kind() == bencode.KindString {
					tier = append(tier, urlVal.Str())
				}
			}
			t.AnnounceList = append(t.AnnounceList, tier)
		}
	}

	info, err := root.GetDict("info")
	if err != nil {
		return nil, fmt.Errorf("torrentfile: %w", err)
	}
	infoSpan := info.Span()
	t.InfoFingerprint = core.NewFingerprint(raw[infoSpan.Start:infoSpan.End])

	name, err := info.GetString("name")
	if err != nil {
		return nil, fmt.Errorf("torrentfile: info.name: %w", err)
	}
	t.Name = string(name)

	pieceLength, err := info.GetInt("piece length")
	if err != nil {
		return nil, fmt.Errorf("torrentfile: info.piece length: %w", err)
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("torrentfile: piece length must be positive, got %d", pieceLength)
	}
	t.PieceLength = pieceLength

	pieces, err := info.GetString("pieces")
	if err != nil {
		return nil, fmt.Errorf("torrentfile: info.pieces: %w", err)
	}
	if len(pieces)%core.FingerprintLength != 0 {
		return nil, fmt.Errorf("torrentfile: pieces length %d is not a multiple of %d", len(pieces), core.FingerprintLength)
	}
	n := len(pieces) / core.FingerprintLength
	t.PieceFingerprints = make([]core.Fingerprint, n)
	for i := 0; i < n; i++ {
		t.PieceFingerprints[i] = core.NewFingerprintFromBytes(pieces[i*core.FingerprintLength : (i+1)*core.FingerprintLength])
	}

	filesList, err := info.GetList("files")
	if err == nil {
		for _, fv := range filesList {
			if fv.Kind() != bencode.KindDict {
				return nil, fmt.Errorf("torrentfile: files entry is not a dict")
			}
			length, err := fv.GetInt("length")
			if err != nil {
				return nil, fmt.Errorf("torrentfile: file.length: %w", err)
			}
			pathList, err := fv.GetList("path")
			if err != nil {
				return nil, fmt.Errorf("torrentfile: file.path: %w", err)
			}
			path := make([]string, 0, len(pathList))
			for _, pv := range pathList {
				if pv.Kind() != bencode.KindString {
					return nil, fmt.Errorf("torrentfile: path component is not a string")
				}
				path = append(path, pv.Str())
			}
			t.Files = append(t.Files, File{Length: length, Path: path})
		}
	} else {
		length, err := info.GetInt("length")
		if err != nil {
			return nil, fmt.Errorf("torrentfile: info has neither files nor length: %w", err)
		}
		t.Files = []File{{Length: length}}
	}

	return t, nil
}

// Load reads and decodes a .torrent file from disk.
func Load(path string) (*Torrent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// IsMultiFile reports whether the torrent describes more than one file.
func (t *Torrent) IsMultiFile() bool {
	return len(t.Files) > 1 || (len(t.Files) == 1 && len(t.Files[0].Path) > 0)
}

// TotalLength returns the sum of every file's length: the size of the
// torrent's virtual linear byte space.
func (t *Torrent) TotalLength() int64 {
	var total int64
	for _, f := range t.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of pieces the torrent is divided into.
func (t *Torrent) NumPieces() int {
	return len(t.PieceFingerprints)
}

// PieceSize returns the size in bytes of piece i, accounting for the
// (possibly shorter) final piece.
func (t *Torrent) PieceSize(i int) int64 {
	if i < 0 || i >= t.NumPieces() {
		panic(fmt.Sprintf("torrentfile: piece index %d out of range [0, %d)", i, t.NumPieces()))
	}
	if i == t.NumPieces()-1 {
		last := t.TotalLength() - int64(i)*t.PieceLength
		if last > 0 {
			return last
		}
	}
	return t.PieceLength
}

// DisplayPath returns fi's path joined under the torrent's name, matching
// how it should be laid out on disk.
func (t *Torrent) DisplayPath(fi File) string {
	if !t.IsMultiFile() {
		return t.Name
	}
	return t.Name + "/" + strings.Join(fi.Path, "/")
}

// AnnounceURLs flattens the announce-list (tier order preserved, then
// within-tier order) and falls back to the single announce field when no
// announce-list is present. The primary announce URL is not duplicated if
// it also appears in the announce-list.
func (t *Torrent) AnnounceURLs() []string {
	if len(t.AnnounceList) == 0 {
		if t.Announce == "" {
			return nil
		}
		return []string{t.Announce}
	}
	var urls []string
	seen := make(map[string]bool)
	for _, tier := range t.AnnounceList {
		for _, u := range tier {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}
