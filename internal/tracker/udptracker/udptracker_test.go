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
package udptracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/tracker"
)

// fakeTracker implements just enough of BEP 15 to exercise Client.Announce,
// and records the exact byte lengths of what it receives.
func fakeTracker(t *testing.T, connectLen, announceLen *int) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			txID := binary.BigEndian.Uint32(buf[12:16])

			if action == actionConnect {
				*connectLen = n
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xC0FFEE)
				conn.WriteToUDP(resp, addr)
			} else if action == actionAnnounce {
				*announceLen = n
				peers := []byte{192, 168, 1, 1, 0x1F, 0x90, 192, 168, 1, 2, 0x1F, 0x91}
				resp := make([]byte, 20+len(peers))
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 3)
				binary.BigEndian.PutUint32(resp[16:20], 7)
				copy(resp[20:], peers)
				conn.WriteToUDP(resp, addr)
			}
		}
	}()
	return conn
}

func TestAnnounceHandshakeByteCounts(t *testing.T) {
	var connectLen, announceLen int
	srv := fakeTracker(t, &connectLen, &announceLen)
	defer srv.Close()

	c := New(Config{ReceiveTimeout: 2 * time.Second, MaxRetries: 3})
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Announce(ctx, "udp://"+srv.LocalAddr().String(), tracker.AnnounceRequest{
		InfoFingerprint: core.NewFingerprint([]byte("x")),
		PeerID:          peerID,
		Port:            6881,
		Left:            1000,
		Event:           tracker.EventStarted,
	})
	require.NoError(t, err)

	require.Equal(t, 16, connectLen)
	require.Equal(t, 98, announceLen)
	require.Equal(t, 1800, resp.Interval)
	require.Equal(t, 3, resp.Incomplete)
	require.Equal(t, 7, resp.Complete)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "192.168.1.1", resp.Peers[0].IP.String())
	require.Equal(t, uint16(8080), resp.Peers[0].Port)
}
