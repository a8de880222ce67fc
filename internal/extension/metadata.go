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
package extension

import (
	"fmt"
	"sync"

	"github.com/kraken-torrent/corebt/internal/bencode"
	"github.com/kraken-torrent/corebt/internal/core"
)

// MetadataMsgType enumerates ut_metadata message kinds.
type MetadataMsgType int

// The three ut_metadata message kinds.
const (
	MetadataRequest MetadataMsgType = 0
	MetadataData    MetadataMsgType = 1
	MetadataReject  MetadataMsgType = 2
)

// MetadataPieceSize is the fixed block size ut_metadata divides the info
// dictionary into.
const MetadataPieceSize = 16 * 1024

// MetadataMessage is a decoded ut_metadata payload. Data is only populated
// for MetadataData messages, and holds that piece's raw bytes (with the
// bencoded header already stripped).
type MetadataMessage struct {
	MsgType   MetadataMsgType
	Piece     int
	TotalSize int // only meaningful on MetadataData
	Data      []byte
}

// EncodeMetadataRequest builds a REQUEST ut_metadata payload for piece i.
func EncodeMetadataRequest(piece int) []byte {
	return bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"msg_type": bencode.NewInt(int64(MetadataRequest)),
		"piece":    bencode.NewInt(int64(piece)),
	}))
}

// EncodeMetadataData builds a DATA ut_metadata payload carrying data for
// piece i out of a dictionary of totalSize bytes.
func EncodeMetadataData(piece, totalSize int, data []byte) []byte {
	header := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"msg_type":   bencode.NewInt(int64(MetadataData)),
		"piece":      bencode.NewInt(int64(piece)),
		"total_size": bencode.NewInt(int64(totalSize)),
	}))
	return append(header, data...)
}

// EncodeMetadataReject builds a REJECT ut_metadata payload for piece i.
func EncodeMetadataReject(piece int) []byte {
	return bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"msg_type": bencode.NewInt(int64(MetadataReject)),
		"piece":    bencode.NewInt(int64(piece)),
	}))
}

// DecodeMetadataMessage parses a ut_metadata payload. For DATA messages,
// the bencoded dict is followed immediately by the raw piece bytes; since
// bencode.DecodeAll would reject the trailing bytes, decoding uses Decode
// and returns the remainder as Data.
func DecodeMetadataMessage(payload []byte) (MetadataMessage, error) {
	d := newTrackingDecoder(payload)
	v, consumed, err := d.decodeDict()
	if err != nil {
		return MetadataMessage{}, fmt.Errorf("extension: decode ut_metadata message: %w", err)
	}
	msgType, err := v.GetInt("msg_type")
	if err != nil {
		return MetadataMessage{}, fmt.Errorf("extension: ut_metadata missing msg_type: %w", err)
	}
	piece, err := v.GetInt("piece")
	if err != nil {
		return MetadataMessage{}, fmt.Errorf("extension: ut_metadata missing piece: %w", err)
	}
	m := MetadataMessage{MsgType: MetadataMsgType(msgType), Piece: int(piece)}
	if m.MsgType == MetadataData {
		if total, err := v.GetInt("total_size"); err == nil {
			m.TotalSize = int(total)
		}
		m.Data = payload[consumed:]
	}
	return m, nil
}

// MetadataAssembler accumulates ut_metadata DATA pieces until the full info
// dictionary is assembled, then verifies it against the torrent's
// info-fingerprint.
type MetadataAssembler struct {
	mu         sync.Mutex
	totalSize  int
	buf        []byte
	haveBlocks map[int]bool
	numBlocks  int
}

// NewMetadataAssembler creates an assembler that expects totalSize bytes
// of info-dictionary data.
func NewMetadataAssembler(totalSize int) *MetadataAssembler {
	return &MetadataAssembler{
		totalSize:  totalSize,
		buf:        make([]byte, totalSize),
		haveBlocks: make(map[int]bool),
		numBlocks:  (totalSize + MetadataPieceSize - 1) / MetadataPieceSize,
	}
}

// AddPiece records data for metadata piece i.
func (a *MetadataAssembler) AddPiece(i int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := i * MetadataPieceSize
	if off < 0 || off+len(data) > a.totalSize {
		return fmt.Errorf("extension: metadata piece %d out of range", i)
	}
	copy(a.buf[off:], data)
	a.haveBlocks[i] = true
	return nil
}

// IsComplete reports whether every metadata piece has arrived.
func (a *MetadataAssembler) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.haveBlocks) == a.numBlocks
}

// Verify checks the assembled bytes against want, returning them on
// success. On mismatch, the assembler is reset so metadata pieces can be
// re-requested.
func (a *MetadataAssembler) Verify(want core.Fingerprint) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !want.Verify(a.buf) {
		a.haveBlocks = make(map[int]bool)
		return nil, false
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out, true
}

// trackingDecoder decodes the leading bencode dict of a ut_metadata
// payload and reports how many bytes it consumed, so the caller can locate
// the trailing raw piece bytes that follow a DATA message's header. This
// relies on bencode.Decode (not DecodeAll) ignoring trailing data and on
// Value.Span reporting the dict's exact source byte range.
type trackingDecoder struct {
	raw []byte
}

func newTrackingDecoder(raw []byte) *trackingDecoder {
	return &trackingDecoder{raw: raw}
}

func (d *trackingDecoder) decodeDict() (bencode.Value, int, error) {
	v, err := bencode.Decode(d.raw)
	if err != nil {
		return bencode.Value{}, 0, err
	}
	if v.Kind() != bencode.KindDict {
		return bencode.Value{}, 0, fmt.Errorf("expected dict, got %s", v.Kind())
	}
	return v, int(v.Span().End), nil
}
