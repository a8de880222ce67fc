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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/corebt/internal/core"
)

func TestHandshakeEncodeDecode(t *testing.T) {
	h := Handshake{
		M:            map[string]int{MetadataExtensionName: 1, PexExtensionName: 2},
		MetadataSize: 1234,
		V:            "corebt 0.1",
		P:            6881,
	}
	got, err := DecodeHandshake(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h.M, got.M)
	require.Equal(t, h.MetadataSize, got.MetadataSize)
	require.Equal(t, h.V, got.V)
	require.Equal(t, h.P, got.P)
}

func TestMetadataRequestRoundTrip(t *testing.T) {
	payload := EncodeMetadataRequest(3)
	m, err := DecodeMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, MetadataRequest, m.MsgType)
	require.Equal(t, 3, m.Piece)
}

func TestMetadataDataRoundTripWithTrailingBytes(t *testing.T) {
	data := []byte("some raw info-dictionary bytes for piece 0")
	payload := EncodeMetadataData(0, 1000, data)
	m, err := DecodeMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, MetadataData, m.MsgType)
	require.Equal(t, 0, m.Piece)
	require.Equal(t, 1000, m.TotalSize)
	require.Equal(t, data, m.Data)
}

func TestMetadataRejectRoundTrip(t *testing.T) {
	payload := EncodeMetadataReject(5)
	m, err := DecodeMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, MetadataReject, m.MsgType)
	require.Equal(t, 5, m.Piece)
}

func TestMetadataAssemblerAssemblesAndVerifies(t *testing.T) {
	info := make([]byte, MetadataPieceSize+100)
	for i := range info {
		info[i] = byte(i)
	}
	fp := core.NewFingerprint(info)

	a := NewMetadataAssembler(len(info))
	require.NoError(t, a.AddPiece(0, info[:MetadataPieceSize]))
	require.False(t, a.IsComplete())
	require.NoError(t, a.AddPiece(1, info[MetadataPieceSize:]))
	require.True(t, a.IsComplete())

	got, ok := a.Verify(fp)
	require.True(t, ok)
	require.Equal(t, info, got)
}

func TestMetadataAssemblerResetsOnVerificationFailure(t *testing.T) {
	a := NewMetadataAssembler(10)
	require.NoError(t, a.AddPiece(0, make([]byte, 10)))
	require.True(t, a.IsComplete())

	_, ok := a.Verify(core.NewFingerprint([]byte("not matching")))
	require.False(t, ok)
	require.False(t, a.IsComplete())
}
