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
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/coordinator"
	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/peerconn"
	"github.com/kraken-torrent/corebt/internal/wire"
)

// peerDialer turns discovered "host:port" addresses into live, handshaked
// peerconn.Conns registered with the coordinator. It also handshakes
// inbound connections accepted by the listener.
type peerDialer struct {
	infoFingerprint core.Fingerprint
	localPeerID     core.PeerID
	numPieces       int
	coord           *coordinator.Coordinator
	cfg             peerconn.Config
	stats           tally.Scope
	clk             clock.Clock
	logger          *zap.SugaredLogger

	mu     sync.Mutex
	dialed map[string]bool
}

// dial establishes an outbound connection to addr, handshakes it, and
// registers it with the coordinator. Duplicate addresses and failures are
// logged and otherwise ignored: discovery runs continuously, so a failed
// peer is simply never retried from this call site.
func (d *peerDialer) dial(addr string) {
	d.mu.Lock()
	if d.dialed[addr] {
		d.mu.Unlock()
		return
	}
	d.dialed[addr] = true
	d.mu.Unlock()

	go func() {
		nc, err := net.DialTimeout("tcp", addr, handshakeTimeout)
		if err != nil {
			d.logger.Debugw("dial failed", "peer", addr, "error", err)
			return
		}
		d.handshakeAndRegister(nc, false)
	}()
}

// acceptLoop accepts inbound connections until the listener is closed.
func acceptLoop(listener net.Listener, d *peerDialer) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			return
		}
		go d.handshakeAndRegister(nc, true)
	}
}

func (d *peerDialer) handshakeAndRegister(nc net.Conn, openedByRemote bool) {
	var reserved wire.Reserved
	reserved.SetBit(wire.ReservedBitExtensionProtocol)
	reserved.SetBit(wire.ReservedBitDHT)
	reserved.SetBit(wire.ReservedBitFastExtension)
	hs := wire.Handshake{Reserved: reserved, InfoFingerprint: d.infoFingerprint, PeerID: d.localPeerID}

	if openedByRemote {
		remoteHS, err := wire.ReadHandshakeWithTimeout(nc, handshakeTimeout)
		if err != nil {
			nc.Close()
			return
		}
		if remoteHS.InfoFingerprint != d.infoFingerprint {
			nc.Close()
			return
		}
		if err := wire.WriteHandshakeWithTimeout(nc, hs, handshakeTimeout); err != nil {
			nc.Close()
			return
		}
		d.finish(nc, remoteHS.PeerID, remoteHS.Reserved.HasBit(wire.ReservedBitExtensionProtocol), true)
		return
	}

	if err := wire.WriteHandshakeWithTimeout(nc, hs, handshakeTimeout); err != nil {
		nc.Close()
		return
	}
	remoteHS, err := wire.ReadHandshakeWithTimeout(nc, handshakeTimeout)
	if err != nil {
		nc.Close()
		return
	}
	if remoteHS.InfoFingerprint != d.infoFingerprint {
		nc.Close()
		return
	}
	d.finish(nc, remoteHS.PeerID, remoteHS.Reserved.HasBit(wire.ReservedBitExtensionProtocol), false)
}

func (d *peerDialer) finish(nc net.Conn, remotePeerID core.PeerID, extensionProtocol, openedByRemote bool) {
	conn := peerconn.New(d.cfg, d.stats, d.clk, d.coord, nc, remotePeerID, d.infoFingerprint, d.numPieces, extensionProtocol, openedByRemote, d.logger)
	if !d.coord.AddPeer(conn) {
		conn.Close()
	}
}
