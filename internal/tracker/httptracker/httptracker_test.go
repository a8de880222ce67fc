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
package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/corebt/internal/bencode"
	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/tracker"
)

func TestAnnounceParsesCompactPeers(t *testing.T) {
	compact := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	body := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"interval":   bencode.NewInt(1800),
		"complete":   bencode.NewInt(5),
		"incomplete": bencode.NewInt(2),
		"peers":      bencode.NewString(compact),
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		require.Equal(t, "started", r.URL.Query().Get("event"))
		w.Write(body)
	}))
	defer srv.Close()

	c := New(Config{})
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	resp, err := c.Announce(context.Background(), srv.URL, tracker.AnnounceRequest{
		InfoFingerprint: core.NewFingerprint([]byte("x")),
		PeerID:          peerID,
		Port:            6881,
		Left:            100,
		Event:           tracker.EventStarted,
	})
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Equal(t, 5, resp.Complete)
	require.Equal(t, 2, resp.Incomplete)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.Equal(t, uint16(0x1AE1), resp.Peers[0].Port)
}

func TestAnnounceParsesFailureReason(t *testing.T) {
	body := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"failure reason": bencode.NewString([]byte("torrent not registered")),
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := New(Config{})
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	_, err = c.Announce(context.Background(), srv.URL, tracker.AnnounceRequest{
		InfoFingerprint: core.NewFingerprint([]byte("x")),
		PeerID:          peerID,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "torrent not registered")
}

func TestAnnounceParsesListOfMapsPeers(t *testing.T) {
	body := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"interval": bencode.NewInt(900),
		"peers": bencode.NewList([]bencode.Value{
			bencode.NewDict(map[string]bencode.Value{
				"ip":   bencode.NewString([]byte("10.0.0.5")),
				"port": bencode.NewInt(6000),
			}),
		}),
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := New(Config{})
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	resp, err := c.Announce(context.Background(), srv.URL, tracker.AnnounceRequest{
		InfoFingerprint: core.NewFingerprint([]byte("x")),
		PeerID:          peerID,
	})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "10.0.0.5", resp.Peers[0].IP.String())
	require.Equal(t, uint16(6000), resp.Peers[0].Port)
}
