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

// Package tracker defines the common request/response shapes shared by the
// HTTP (BEP 3) and UDP (BEP 15) tracker clients, so the coordinator can treat
// either transport interchangeably.
package tracker

import (
	"context"
	"net"
	"strconv"

	"github.com/kraken-torrent/corebt/internal/core"
)

// Event is the optional lifecycle event attached to an announce.
type Event string

// The four announce events.
const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// AnnounceRequest is the set of parameters sent to a tracker on every
// announce.
type AnnounceRequest struct {
	InfoFingerprint core.Fingerprint
	PeerID          core.PeerID
	Port            uint16
	Uploaded        int64
	Downloaded      int64
	Left            int64
	Event           Event
	NumWant         int
}

// PeerAddr is one peer address returned by a tracker.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (a PeerAddr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// AnnounceResponse is a tracker's reply to a successful announce.
type AnnounceResponse struct {
	Interval   int
	Complete   int
	Incomplete int
	Peers      []PeerAddr
}

// Client announces to a single tracker endpoint. Implemented by
// internal/tracker/httptracker and internal/tracker/udptracker.
type Client interface {
	Announce(ctx context.Context, url string, req AnnounceRequest) (AnnounceResponse, error)
}
