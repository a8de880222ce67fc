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
package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/wire"
)

func TestNewStateInitialValues(t *testing.T) {
	s := NewState()
	require.True(t, s.AmChoking())
	require.False(t, s.AmInterested())
	require.True(t, s.PeerChoking())
	require.False(t, s.PeerInterested())
	require.False(t, s.CanDownload())
	require.False(t, s.MayUpload())
}

func TestCanDownloadAndMayUpload(t *testing.T) {
	s := NewState()
	s.SetPeerChoking(false)
	s.SetAmInterested(true)
	require.True(t, s.CanDownload())

	s.SetAmChoking(false)
	s.SetPeerInterested(true)
	require.True(t, s.MayUpload())
}

func TestPendingRequestsQuotaAndExpiry(t *testing.T) {
	clk := clock.NewMock()
	p := NewPendingRequests(clk, 2)

	require.Equal(t, 2, p.Quota())
	p.Add(0, 0, 16384)
	require.Equal(t, 1, p.Quota())
	p.Add(0, 16384, 16384)
	require.Equal(t, 0, p.Quota())
	require.Empty(t, p.Expired())

	clk.Add(RequestTimeout + time.Second)
	require.Len(t, p.Expired(), 2)
	require.Equal(t, 2, p.Quota())
}

func TestPendingRequestsRemoveAndClearAll(t *testing.T) {
	clk := clock.NewMock()
	p := NewPendingRequests(clk, 10)
	p.Add(0, 0, 16384)
	p.Add(1, 0, 16384)
	require.Equal(t, 2, p.Len())

	p.Remove(0, 0)
	require.Equal(t, 1, p.Len())

	cleared := p.ClearAll()
	require.Len(t, cleared, 1)
	require.Equal(t, 0, p.Len())
}

func newTestConn(t *testing.T, clk clock.Clock) (*Conn, net.Conn, net.Conn) {
	serverSide, clientSide := net.Pipe()
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	fp := core.NewFingerprint([]byte("some info dict"))
	c := New(Config{}, tally.NoopScope, clk, nil, serverSide, peerID, fp, 4, false, false, zap.NewNop().Sugar())
	return c, serverSide, clientSide
}

func TestConnAppliesChokeClearsPendingRequests(t *testing.T) {
	clk := clock.NewMock()
	c, _, clientSide := newTestConn(t, clk)
	defer clientSide.Close()
	c.Requests.Add(0, 0, 16384)
	c.Start()
	defer c.Close()

	require.NoError(t, wire.WriteMessage(clientSide, wire.SimpleMessage(wire.Choke)))

	select {
	case msg := <-c.Receiver():
		require.Equal(t, wire.Choke, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	require.True(t, c.State.PeerChoking())
	require.Equal(t, 0, c.Requests.Len())
}

func TestConnAppliesHaveUpdatesPeerBitset(t *testing.T) {
	clk := clock.NewMock()
	c, _, clientSide := newTestConn(t, clk)
	defer clientSide.Close()
	c.Start()
	defer c.Close()

	require.NoError(t, wire.WriteMessage(clientSide, wire.HaveMessage(2)))

	select {
	case <-c.Receiver():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	require.True(t, c.PeerHave.Test(2))
}

func TestConnRejectsBitfieldAfterFirstMessage(t *testing.T) {
	clk := clock.NewMock()
	c, _, clientSide := newTestConn(t, clk)
	defer clientSide.Close()
	c.Start()
	defer c.Close()

	require.NoError(t, wire.WriteMessage(clientSide, wire.SimpleMessage(wire.Unchoke)))
	select {
	case <-c.Receiver():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first message")
	}

	require.NoError(t, wire.WriteMessage(clientSide, wire.BitfieldMessage([]byte{0xF0})))

	// The connection should close after the protocol violation, so the
	// receiver channel drains and closes without yielding the bitfield.
	select {
	case _, ok := <-c.Receiver():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection to close")
	}
}

func TestConnSendAndClose(t *testing.T) {
	clk := clock.NewMock()
	c, _, clientSide := newTestConn(t, clk)
	defer clientSide.Close()
	c.Start()

	require.NoError(t, c.Send(wire.SimpleMessage(wire.Interested)))

	msg, err := wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.Interested, msg.Type)

	c.Close()
	require.True(t, c.IsClosed())
	require.Error(t, c.Send(wire.SimpleMessage(wire.Choke)))
}

func TestPackBitfieldRoundTrip(t *testing.T) {
	have := bitset.New(10)
	have.Set(0)
	have.Set(3)
	have.Set(9)

	packed := PackBitfield(have, 10)
	got, err := bitsetFromBytes(packed, 10)
	require.NoError(t, err)
	require.True(t, got.Test(0))
	require.True(t, got.Test(3))
	require.True(t, got.Test(9))
	require.False(t, got.Test(1))
}
