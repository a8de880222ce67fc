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
)

func TestCompactPeersRoundTrip(t *testing.T) {
	addrs := []string{"1.2.3.4:6881", "10.0.0.1:51413"}
	raw := EncodeCompactPeers(addrs)
	require.Len(t, raw, len(addrs)*compactPeerSize)
	require.Equal(t, addrs, DecodeCompactPeers(raw))
}

func TestEncodeCompactPeersSkipsUnparseable(t *testing.T) {
	addrs := []string{"1.2.3.4:6881", "not-an-addr", "[::1]:6881", "bad:port"}
	raw := EncodeCompactPeers(addrs)
	require.Equal(t, []string{"1.2.3.4:6881"}, DecodeCompactPeers(raw))
}

func TestDecodeCompactPeersIgnoresTrailingPartialEntry(t *testing.T) {
	raw := EncodeCompactPeers([]string{"1.2.3.4:6881"})
	raw = append(raw, 1, 2, 3)
	require.Equal(t, []string{"1.2.3.4:6881"}, DecodeCompactPeers(raw))
}

func TestPexMessageEncodeDecode(t *testing.T) {
	m := PexMessage{
		Added:   []string{"1.2.3.4:6881", "5.6.7.8:6882"},
		Dropped: []string{"9.9.9.9:6883"},
	}
	got, err := DecodePexMessage(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m.Added, got.Added)
	require.Equal(t, m.Dropped, got.Dropped)
}

func TestPexMessageEncodeDecodeEmpty(t *testing.T) {
	m := PexMessage{}
	got, err := DecodePexMessage(m.Encode())
	require.NoError(t, err)
	require.Empty(t, got.Added)
	require.Empty(t, got.Dropped)
}
