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
	"fmt"

	"github.com/kraken-torrent/corebt/internal/bencode"
	"github.com/kraken-torrent/corebt/internal/core"
)

// ResumeState is the bencoded sidecar written next to a partial download so
// a later run can restore its have-vector instead of starting over. It is
// not a substitute for piece fingerprint verification: restored pieces are
// trusted as-is, the same way the packed bitfield exchanged with peers is.
type ResumeState struct {
	InfoFingerprint core.Fingerprint
	NumPieces       int
	Have            []byte // packed bitfield, MSB first per byte
}

// EncodeResumeState renders the manager's current have-vector as a resume
// sidecar tagged with infoFingerprint, so a mismatched torrent file is
// rejected on load rather than silently misapplied.
func (m *Manager) EncodeResumeState(infoFingerprint core.Fingerprint) []byte {
	have := m.HaveVector()
	numPieces := m.NumPieces()
	packed := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if have.Test(uint(i)) {
			packed[i/8] |= 1 << uint(7-i%8)
		}
	}
	fields := map[string]bencode.Value{
		"info_fingerprint": bencode.NewString(infoFingerprint.Bytes()),
		"num_pieces":       bencode.NewInt(int64(numPieces)),
		"have":             bencode.NewString(packed),
	}
	return bencode.Encode(bencode.NewDict(fields))
}

// DecodeResumeState parses a bencoded resume sidecar.
func DecodeResumeState(raw []byte) (ResumeState, error) {
	v, err := bencode.DecodeAll(raw)
	if err != nil {
		return ResumeState{}, fmt.Errorf("piece: decode resume state: %w", err)
	}
	fpBytes, err := v.GetString("info_fingerprint")
	if err != nil {
		return ResumeState{}, fmt.Errorf("piece: resume state: %w", err)
	}
	if len(fpBytes) != core.FingerprintLength {
		return ResumeState{}, fmt.Errorf("piece: resume state fingerprint has length %d, want %d", len(fpBytes), core.FingerprintLength)
	}
	numPieces, err := v.GetInt("num_pieces")
	if err != nil {
		return ResumeState{}, fmt.Errorf("piece: resume state: %w", err)
	}
	have, err := v.GetString("have")
	if err != nil {
		return ResumeState{}, fmt.Errorf("piece: resume state: %w", err)
	}
	return ResumeState{
		InfoFingerprint: core.NewFingerprintFromBytes(fpBytes),
		NumPieces:       int(numPieces),
		Have:            have,
	}, nil
}

// Restore applies a previously encoded resume state, marking every piece it
// names as already downloaded. Pieces are trusted, not re-verified. Returns
// the number of pieces newly marked. A state for a different piece count
// (e.g. the wrong torrent) is rejected wholesale.
func (m *Manager) Restore(state ResumeState) int {
	if state.NumPieces != m.NumPieces() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for i := 0; i < m.NumPieces(); i++ {
		byteIdx := i / 8
		if byteIdx >= len(state.Have) {
			break
		}
		bitIdx := uint(7 - i%8)
		if state.Have[byteIdx]&(1<<bitIdx) == 0 {
			continue
		}
		if !m.have.Test(uint(i)) {
			m.have.Set(uint(i))
			restored++
		}
	}
	m.downloaded.Store(int64(m.have.Count()))
	return restored
}
