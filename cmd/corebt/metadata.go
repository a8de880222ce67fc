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
package main

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/extension"
	"github.com/kraken-torrent/corebt/internal/torrentfile"
	"github.com/kraken-torrent/corebt/internal/wire"
)

const (
	metadataHandshakeTimeout = 10 * time.Second
	metadataExchangeTimeout  = 30 * time.Second
	metadataLocalExtID       = 1
)

// fetchMetadata dials candidate peer addresses in turn and, on the first
// one that speaks BEP 10/9, performs the ut_metadata exchange to recover
// the info dictionary a magnet link omits. It does not go through
// peerconn.Conn: the metadata phase has no piece manager yet to hand one,
// so it speaks the handshake and extension framing directly.
func fetchMetadata(
	infoFingerprint core.Fingerprint, localPeerID core.PeerID,
	addrs []string, logger *zap.SugaredLogger) (*torrentfile.Torrent, error) {

	var lastErr error
	for _, addr := range addrs {
		t, err := fetchMetadataFromPeer(infoFingerprint, localPeerID, addr)
		if err != nil {
			logger.Debugw("metadata fetch attempt failed", "peer", addr, "error", err)
			lastErr = err
			continue
		}
		return t, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate peers")
	}
	return nil, fmt.Errorf("metadata: exhausted %d peers: %w", len(addrs), lastErr)
}

func fetchMetadataFromPeer(infoFingerprint core.Fingerprint, localPeerID core.PeerID, addr string) (*torrentfile.Torrent, error) {
	nc, err := net.DialTimeout("tcp", addr, metadataHandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer nc.Close()

	var reserved wire.Reserved
	reserved.SetBit(wire.ReservedBitExtensionProtocol)
	hs := wire.Handshake{Reserved: reserved, InfoFingerprint: infoFingerprint, PeerID: localPeerID}
	if err := wire.WriteHandshakeWithTimeout(nc, hs, metadataHandshakeTimeout); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	remoteHS, err := wire.ReadHandshakeWithTimeout(nc, metadataHandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if remoteHS.InfoFingerprint != infoFingerprint {
		return nil, fmt.Errorf("peer echoed unexpected info fingerprint")
	}
	if !remoteHS.Reserved.HasBit(wire.ReservedBitExtensionProtocol) {
		return nil, fmt.Errorf("peer does not support the extension protocol")
	}

	ourExt := extension.Handshake{M: map[string]int{extension.MetadataExtensionName: metadataLocalExtID}}
	if err := wire.WriteMessageWithTimeout(nc, wire.ExtendedMessage(extension.HandshakeSubType, ourExt.Encode()), metadataExchangeTimeout); err != nil {
		return nil, fmt.Errorf("write extension handshake: %w", err)
	}

	var remoteMetadataID int
	var metadataSize int
	var assembler *extension.MetadataAssembler
	nextPiece := 0
	deadline := time.Now().Add(metadataExchangeTimeout)

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out before metadata completed")
		}
		msg, err := wire.ReadMessageWithTimeout(nc, metadataExchangeTimeout)
		if err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		if msg.KeepAlive || msg.Type != wire.Extended || len(msg.Payload) < 1 {
			continue
		}
		subID := msg.Payload[0]
		body := msg.Payload[1:]

		if subID == extension.HandshakeSubType {
			peerHS, err := extension.DecodeHandshake(body)
			if err != nil {
				return nil, fmt.Errorf("decode extension handshake: %w", err)
			}
			id, ok := peerHS.M[extension.MetadataExtensionName]
			if !ok {
				return nil, fmt.Errorf("peer does not offer ut_metadata")
			}
			if peerHS.MetadataSize <= 0 {
				return nil, fmt.Errorf("peer did not advertise a metadata size")
			}
			remoteMetadataID = id
			metadataSize = peerHS.MetadataSize
			assembler = extension.NewMetadataAssembler(metadataSize)
			if err := wire.WriteMessageWithTimeout(
				nc, wire.ExtendedMessage(uint8(remoteMetadataID), extension.EncodeMetadataRequest(nextPiece)),
				metadataExchangeTimeout); err != nil {
				return nil, fmt.Errorf("request metadata piece %d: %w", nextPiece, err)
			}
			continue
		}

		if assembler == nil || int(subID) != metadataLocalExtID {
			continue
		}
		mm, err := extension.DecodeMetadataMessage(body)
		if err != nil {
			return nil, fmt.Errorf("decode ut_metadata message: %w", err)
		}
		switch mm.MsgType {
		case extension.MetadataReject:
			return nil, fmt.Errorf("peer rejected metadata piece %d", mm.Piece)
		case extension.MetadataData:
			if err := assembler.AddPiece(mm.Piece, mm.Data); err != nil {
				return nil, fmt.Errorf("assemble metadata piece %d: %w", mm.Piece, err)
			}
			if assembler.IsComplete() {
				raw, ok := assembler.Verify(infoFingerprint)
				if !ok {
					return nil, fmt.Errorf("assembled metadata failed info-fingerprint verification")
				}
				return decodeInfoDict(raw)
			}
			nextPiece++
			if err := wire.WriteMessageWithTimeout(
				nc, wire.ExtendedMessage(uint8(remoteMetadataID), extension.EncodeMetadataRequest(nextPiece)),
				metadataExchangeTimeout); err != nil {
				return nil, fmt.Errorf("request metadata piece %d: %w", nextPiece, err)
			}
		}
	}
}

// decodeInfoDict wraps a bare info dictionary (as recovered from a
// ut_metadata exchange, with no surrounding announce/announce-list keys)
// in a synthetic top-level dict so torrentfile.Decode's existing info-dict
// parsing can be reused as-is.
func decodeInfoDict(rawInfo []byte) (*torrentfile.Torrent, error) {
	synthetic := make([]byte, 0, len(rawInfo)+8)
	synthetic = append(synthetic, []byte("d4:info")...)
	synthetic = append(synthetic, rawInfo...)
	synthetic = append(synthetic, 'e')
	return torrentfile.Decode(synthetic)
}
