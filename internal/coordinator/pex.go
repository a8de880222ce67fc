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
package coordinator

import (
	"github.com/kraken-torrent/corebt/internal/extension"
	"github.com/kraken-torrent/corebt/internal/peerconn"
	"github.com/kraken-torrent/corebt/internal/wire"
)

// localPexID is the extension-message id this coordinator advertises for
// ut_pex in its own extended handshake. There is only one extension in use,
// so a fixed id is fine; BEP 10 only requires it be stable per-connection.
const localPexID = 1

// localExtendedHandshake builds the sub-type-0 EXTENDED message advertising
// support for ut_pex.
func (c *Coordinator) localExtendedHandshake() wire.Message {
	hs := extension.Handshake{
		M: map[string]int{extension.PexExtensionName: localPexID},
		V: "corebt",
	}
	return wire.ExtendedMessage(extension.HandshakeSubType, hs.Encode())
}

// handleExtended dispatches an inbound EXTENDED message to the extended
// handshake or to ut_pex, per BEP 10's sub-id convention.
func (c *Coordinator) handleExtended(conn *peerconn.Conn, msg wire.Message) {
	if len(msg.Payload) < 1 {
		return
	}
	subID := msg.Payload[0]
	body := msg.Payload[1:]

	if subID == extension.HandshakeSubType {
		hs, err := extension.DecodeHandshake(body)
		if err != nil {
			return
		}
		remoteID, ok := hs.M[extension.PexExtensionName]
		if !ok {
			return
		}
		sess, ok := c.pool.Get(conn.PeerID())
		if !ok {
			return
		}
		c.pool.mu.Lock()
		sess.pexID = remoteID
		c.pool.mu.Unlock()
		return
	}

	pex, err := extension.DecodePexMessage(body)
	if err != nil {
		return
	}
	if c.peerDiscovered == nil {
		return
	}
	for _, addr := range pex.Added {
		c.peerDiscovered(addr)
	}
}

// handleReject processes a Fast Extension REJECT_REQUEST: the peer is
// declining a REQUEST we issued, so its bookkeeping is cleared the same as
// an expired or canceled request, freeing the block to be reassigned.
func (c *Coordinator) handleReject(conn *peerconn.Conn, msg wire.Message) {
	pieceIdx, offset, _, err := wire.BlockHeader(msg.Payload)
	if err != nil {
		return
	}
	conn.Requests.Remove(int(pieceIdx), int64(offset))
}

// pexLoop periodically broadcasts peer-exchange updates to every connected
// peer that advertised ut_pex support.
func (c *Coordinator) pexLoop() {
	ticker := c.clk.Ticker(c.config.PexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.broadcastPex()
		}
	}
}

// broadcastPex sends each pex-capable peer the addresses of every other
// connected peer it doesn't already know about, and tells it which
// previously-known peers are no longer connected.
func (c *Coordinator) broadcastPex() {
	sessions := c.pool.Sessions()

	current := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		current[sess.conn.RemoteAddr().String()] = true
	}

	for _, sess := range sessions {
		if sess.pexID < 0 {
			continue
		}
		self := sess.conn.RemoteAddr().String()

		var added, dropped []string
		for addr := range current {
			if addr == self {
				continue
			}
			if !sess.pexKnown[addr] {
				added = append(added, addr)
			}
		}
		for addr := range sess.pexKnown {
			if !current[addr] || addr == self {
				dropped = append(dropped, addr)
			}
		}
		if len(added) == 0 && len(dropped) == 0 {
			continue
		}

		pex := extension.PexMessage{Added: added, Dropped: dropped}
		_ = sess.conn.Send(wire.ExtendedMessage(uint8(sess.pexID), pex.Encode()))

		c.pool.mu.Lock()
		for _, addr := range added {
			sess.pexKnown[addr] = true
		}
		for _, addr := range dropped {
			delete(sess.pexKnown, addr)
		}
		c.pool.mu.Unlock()
	}
}
