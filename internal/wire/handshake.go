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
package wire

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kraken-torrent/corebt/internal/core"
)

const protocolName = "BitTorrent protocol"

// HandshakeLength is the fixed size of a handshake message.
const HandshakeLength = 1 + len(protocolName) + 8 + core.FingerprintLength + core.PeerIDLength

// Reserved bit positions, counting from byte 0 bit 7 as bit index 0.
const (
	// ReservedBitExtensionProtocol is bit 20: BEP 10 extension protocol support.
	ReservedBitExtensionProtocol = 20
	// ReservedBitDHT is bit 63: BEP 5 DHT support.
	ReservedBitDHT = 63
	// ReservedBitFastExtension is bit 60, within the 60-63 Fast Extension range.
	ReservedBitFastExtension = 60
)

// Reserved is the 8 reserved handshake bytes, with helpers to set/test
// capability bits.
type Reserved [8]byte

// SetBit sets reserved bit n (0 = byte 0 bit 7, per convention above).
func (r *Reserved) SetBit(n int) {
	byteIdx := n / 8
	bitIdx := uint(7 - n%8)
	r[byteIdx] |= 1 << bitIdx
}

// HasBit reports whether reserved bit n is set.
func (r Reserved) HasBit(n int) bool {
	byteIdx := n / 8
	bitIdx := uint(7 - n%8)
	return r[byteIdx]&(1<<bitIdx) != 0
}

// Handshake is the fixed 68-byte message exchanged at the start of every
// peer connection, before any framed messages.
type Handshake struct {
	Reserved        Reserved
	InfoFingerprint core.Fingerprint
	PeerID          core.PeerID
}

// Encode renders h in its fixed 68-byte wire form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoFingerprint.Bytes()...)
	buf = append(buf, h.PeerID.Bytes()...)
	return buf
}

// DecodeHandshake parses a fixed 68-byte handshake message.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength {
		return Handshake{}, fmt.Errorf("wire: handshake has length %d, want %d", len(buf), HandshakeLength)
	}
	if int(buf[0]) != len(protocolName) {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol name length %d", buf[0])
	}
	if !bytes.Equal(buf[1:1+len(protocolName)], []byte(protocolName)) {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol name %q", buf[1:1+len(protocolName)])
	}
	off := 1 + len(protocolName)
	var h Handshake
	copy(h.Reserved[:], buf[off:off+8])
	off += 8
	h.InfoFingerprint = core.NewFingerprintFromBytes(buf[off : off+core.FingerprintLength])
	off += core.FingerprintLength
	h.PeerID = core.NewPeerIDFromBytes(buf[off : off+core.PeerIDLength])
	return h, nil
}

// WriteHandshake writes h to nc.
func WriteHandshake(nc net.Conn, h Handshake) error {
	_, err := nc.Write(h.Encode())
	return err
}

// WriteHandshakeWithTimeout is WriteHandshake with a write deadline set
// first.
func WriteHandshakeWithTimeout(nc net.Conn, h Handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	return WriteHandshake(nc, h)
}

// ReadHandshake reads and decodes a fixed 68-byte handshake from nc.
func ReadHandshake(nc net.Conn) (Handshake, error) {
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake: %w", err)
	}
	return DecodeHandshake(buf)
}

// ReadHandshakeWithTimeout is ReadHandshake with a read deadline set first.
func ReadHandshakeWithTimeout(nc net.Conn, timeout time.Duration) (Handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("wire: set read deadline: %w", err)
	}
	return ReadHandshake(nc)
}
