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
package dht

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/bencode"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestKRPCPingEncodesExactBytes(t *testing.T) {
	var nodeID ID
	for i := range nodeID {
		nodeID[i] = 0xAA
	}
	got := EncodeQuery("aa", MethodPing, map[string]bencode.Value{
		"id": bencode.NewString(nodeID.Bytes()),
	})
	want := "d1:ad2:id20:" + string(nodeID.Bytes()) + "e1:q4:ping1:t2:aa1:y1:qe"
	require.Equal(t, want, string(got))
}

func TestKRPCPingRoundTrip(t *testing.T) {
	var nodeID ID
	for i := range nodeID {
		nodeID[i] = 0xAA
	}
	raw := EncodeQuery("aa", MethodPing, map[string]bencode.Value{
		"id": bencode.NewString(nodeID.Bytes()),
	})
	q, r, e, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Nil(t, r)
	require.Nil(t, e)
	require.Equal(t, "aa", q.TxID)
	require.Equal(t, MethodPing, q.Method)
	require.Equal(t, nodeID.Bytes(), q.Args["id"].Bytes())

	var serverID ID
	for i := range serverID {
		serverID[i] = 0xBB
	}
	respRaw := EncodeResponse(q.TxID, map[string]bencode.Value{
		"id": bencode.NewString(serverID.Bytes()),
	})
	want := "d1:rd2:id20:" + string(serverID.Bytes()) + "e1:t2:aa1:y1:re"
	require.Equal(t, want, string(respRaw))
}

func TestBucketIndexMatchesHighestSetBit(t *testing.T) {
	var a, b ID
	// Differ only in the least significant bit.
	b[IDLength-1] = 1
	require.Equal(t, 0, a.BucketIndex(b))

	// Differ in the most significant bit.
	var c ID
	c[0] = 0x80
	require.Equal(t, IDLength*8-1, a.BucketIndex(c))
}

func TestRoutingTableBucketBound(t *testing.T) {
	var local ID
	clk := clock.NewMock()
	rt := NewRoutingTable(local, clk)

	// Fixing the top bit of the most significant byte pins every id's XOR
	// distance (from the all-zero local id) to the same highest-set-bit
	// position, so they all land in the same bucket; the (K+1)th insertion
	// must not grow the bucket past K.
	for i := 0; i < K+3; i++ {
		var id ID
		id[0] = 0x80
		id[IDLength-1] = byte(i + 1)
		rt.AddNode(Node{ID: id, IP: net.ParseIP("127.0.0.1"), Port: uint16(1000 + i)})
		clk.Add(time.Second)
	}
	require.LessOrEqual(t, rt.Size(), K)
}

func TestRoutingTableFindClosestOrdering(t *testing.T) {
	var local ID
	clk := clock.NewMock()
	rt := NewRoutingTable(local, clk)

	var near, far ID
	near[0] = 0x01
	far[0] = 0xFF
	rt.AddNode(Node{ID: near, IP: net.ParseIP("127.0.0.1"), Port: 1})
	rt.AddNode(Node{ID: far, IP: net.ParseIP("127.0.0.1"), Port: 2})

	closest := rt.FindClosest(local, 2)
	require.Len(t, closest, 2)
	require.Equal(t, near, closest[0].ID)
	require.Equal(t, far, closest[1].ID)
}

func TestTokenValidForTwoRotations(t *testing.T) {
	clk := clock.NewMock()
	ts, err := NewTokenServer(clk)
	require.NoError(t, err)

	ip := net.ParseIP("1.2.3.4")
	var infoHash ID
	infoHash[0] = 0x42

	token := ts.Issue(ip, infoHash)
	require.True(t, ts.Validate(ip, infoHash, token))

	clk.Add(SecretRotationInterval + time.Minute)
	require.True(t, ts.Validate(ip, infoHash, token))

	clk.Add(SecretRotationInterval + time.Minute)
	require.False(t, ts.Validate(ip, infoHash, token))
}

func TestCompactNodeRoundTrip(t *testing.T) {
	var id ID
	id[0] = 0x01
	n := Node{ID: id, IP: net.ParseIP("10.1.2.3"), Port: 6881}
	raw := CompactNode(n)
	require.Len(t, raw, 26)

	nodes, err := ParseCompactNodes(raw)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, n.ID, nodes[0].ID)
	require.Equal(t, "10.1.2.3", nodes[0].IP.String())
	require.Equal(t, uint16(6881), nodes[0].Port)
}

func TestPingQueryOverUDP(t *testing.T) {
	clkA, clkB := clock.NewMock(), clock.NewMock()

	idA, err := RandomID()
	require.NoError(t, err)
	idB, err := RandomID()
	require.NoError(t, err)

	a, err := NewServer(Config{QueryTimeout: 2 * time.Second}, idA, clkA, testLogger())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	b, err := NewServer(Config{QueryTimeout: 2 * time.Second}, idB, clkB, testLogger())
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Stop()

	bPort := b.LocalAddr().(*net.UDPAddr).Port
	bAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: bPort}
	resp, err := a.query(bAddr, MethodPing, map[string]bencode.Value{})
	require.NoError(t, err)
	require.Equal(t, idB.Bytes(), resp.Fields["id"].Bytes())
}
