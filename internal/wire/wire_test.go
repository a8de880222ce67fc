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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/corebt/internal/core"
)

func TestHandshakeEncodeDecode(t *testing.T) {
	fp := core.NewFingerprint([]byte("some torrent info bytes"))
	pid, err := core.RandomPeerID()
	require.NoError(t, err)

	var reserved Reserved
	reserved.SetBit(ReservedBitExtensionProtocol)
	reserved.SetBit(ReservedBitDHT)

	h := Handshake{Reserved: reserved, InfoFingerprint: fp, PeerID: pid}
	buf := h.Encode()
	require.Len(t, buf, HandshakeLength)
	require.Equal(t, byte(19), buf[0])
	require.Equal(t, "BitTorrent protocol", string(buf[1:20]))

	got, err := DecodeHandshake(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.True(t, got.Reserved.HasBit(ReservedBitExtensionProtocol))
	require.True(t, got.Reserved.HasBit(ReservedBitDHT))
	require.False(t, got.Reserved.HasBit(ReservedBitFastExtension))
}

func TestDecodeHandshakeRejectsWrongLength(t *testing.T) {
	_, err := DecodeHandshake(make([]byte, HandshakeLength-1))
	require.Error(t, err)
}

func TestHandshakeOverTheWire(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fp := core.NewFingerprint([]byte("info bytes"))
	pid, err := core.RandomPeerID()
	require.NoError(t, err)
	h := Handshake{InfoFingerprint: fp, PeerID: pid}

	done := make(chan error, 1)
	go func() {
		done <- WriteHandshakeWithTimeout(client, h, time.Second)
	}()

	got, err := ReadHandshakeWithTimeout(server, time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, h.InfoFingerprint, got.InfoFingerprint)
	require.Equal(t, h.PeerID, got.PeerID)
}

func TestBlockHeaderRoundTrip(t *testing.T) {
	m := RequestMessage(7, 16384, 16384)
	require.Equal(t, Request, m.Type)
	piece, offset, length, err := BlockHeader(m.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), piece)
	require.Equal(t, uint32(16384), offset)
	require.Equal(t, uint32(16384), length)
}

func TestPieceHeaderRoundTrip(t *testing.T) {
	data := []byte("some block payload")
	m := PieceMessage(3, 0, data)
	piece, offset, got, err := PieceHeader(m.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(3), piece)
	require.Equal(t, uint32(0), offset)
	require.Equal(t, data, got)
}

func TestWriteReadMessageOverTheWire(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msgs := []Message{
		KeepAliveMessage(),
		SimpleMessage(Choke),
		HaveMessage(42),
		RequestMessage(1, 0, 16384),
	}

	done := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := WriteMessageWithTimeout(client, m, time.Second); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for _, want := range msgs {
		got, err := ReadMessageWithTimeout(server, time.Second)
		require.NoError(t, err)
		require.Equal(t, want.KeepAlive, got.KeepAlive)
		if !want.KeepAlive {
			require.Equal(t, want.Type, got.Type)
			require.Equal(t, want.Payload, got.Payload)
		}
	}
	require.NoError(t, <-done)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var lenBuf [4]byte
		lenBuf[0] = 0xFF // absurdly large length
		client.Write(lenBuf[:])
	}()

	_, err := ReadMessageWithTimeout(server, time.Second)
	require.Error(t, err)
}
