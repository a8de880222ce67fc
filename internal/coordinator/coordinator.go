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
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/dht"
	"github.com/kraken-torrent/corebt/internal/peerconn"
	"github.com/kraken-torrent/corebt/internal/piece"
	"github.com/kraken-torrent/corebt/internal/ratelimit"
	"github.com/kraken-torrent/corebt/internal/store"
	"github.com/kraken-torrent/corebt/internal/tracker"
	"github.com/kraken-torrent/corebt/internal/wire"
)

// Coordinator is the top-level owner of one torrent's download/upload
// lifecycle: it holds the piece manager and file store, the bounded peer
// pool, the tracker refresh task, and (optionally) a DHT server for
// trackerless discovery, and drives the piece assignment loop that ties
// them together.
type Coordinator struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope

	localPeerID     core.PeerID
	infoFingerprint core.Fingerprint
	listenPort      uint16

	manager *piece.Manager
	store   store.FileStore
	limiter *ratelimit.Limiter

	pool     *pool
	dht      *dht.Server
	announce *announcer

	uploaded   *atomic.Int64
	downloaded *atomic.Int64

	downloadSpeed *ratelimit.SpeedTracker
	uploadSpeed   *ratelimit.SpeedTracker

	done      chan struct{}
	completed chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	peerDiscovered func(addr string)
	seedingEntered func()
}

// New constructs a Coordinator. endpoints is the set of tracker URLs to
// announce to; dhtServer may be nil if trackerless discovery is disabled.
func New(
	config Config, clk clock.Clock, logger *zap.SugaredLogger, stats tally.Scope,
	localPeerID core.PeerID, infoFingerprint core.Fingerprint, listenPort uint16,
	manager *piece.Manager, fileStore store.FileStore, limiter *ratelimit.Limiter,
	endpoints []TrackerEndpoint, dhtServer *dht.Server) *Coordinator {

	config = config.applyDefaults()

	c := &Coordinator{
		config:          config,
		clk:             clk,
		logger:          logger,
		stats:           stats,
		localPeerID:     localPeerID,
		infoFingerprint: infoFingerprint,
		listenPort:      listenPort,
		manager:         manager,
		store:           fileStore,
		limiter:         limiter,
		pool:            newPool(config.MaxPeers),
		dht:             dhtServer,
		uploaded:        atomic.NewInt64(0),
		downloaded:      atomic.NewInt64(0),
		downloadSpeed:   ratelimit.NewSpeedTrackerWithClock(clk),
		uploadSpeed:     ratelimit.NewSpeedTrackerWithClock(clk),
		done:            make(chan struct{}),
		completed:       make(chan struct{}),
	}

	c.announce = newAnnouncer(config, clk, endpoints, c.buildAnnounceRequest, c.onTrackerPeers, logger)
	return c
}

// buildAnnounceRequest reflects the coordinator's current counters into a
// tracker.AnnounceRequest.
func (c *Coordinator) buildAnnounceRequest(event tracker.Event) tracker.AnnounceRequest {
	left := c.bytesLeft()
	return tracker.AnnounceRequest{
		InfoFingerprint: c.infoFingerprint,
		PeerID:          c.localPeerID,
		Port:            c.listenPort,
		Uploaded:        c.uploaded.Load(),
		Downloaded:      c.downloaded.Load(),
		Left:            left,
		Event:           event,
		NumWant:         c.config.MaxPeers,
	}
}

func (c *Coordinator) bytesLeft() int64 {
	have := int64(c.manager.Downloaded())
	total := int64(c.manager.NumPieces())
	if have >= total {
		return 0
	}
	// Approximate: piece size is uniform except for the final piece, which
	// the tracker protocol does not require us to account for precisely.
	return (total - have) * c.manager.PieceSize(0)
}

// SetPeerDiscoveredHandler registers the callback invoked with a
// "host:port" string every time the tracker returns a candidate peer.
// Dialing and handshaking that address into a live peerconn.Conn handed to
// AddPeer is the caller's responsibility, since it requires the torrent's
// info fingerprint and local peer ID, which this package does not dial
// sockets with directly.
func (c *Coordinator) SetPeerDiscoveredHandler(fn func(addr string)) {
	c.peerDiscovered = fn
}

// onTrackerPeers is invoked with newly discovered peers from a tracker
// announce response.
func (c *Coordinator) onTrackerPeers(peers []tracker.PeerAddr) {
	c.logger.Infow("tracker returned peers", "count", len(peers))
	if c.peerDiscovered == nil {
		return
	}
	for _, p := range peers {
		c.peerDiscovered(p.String())
	}
}

// Run starts the tracker refresh loop, the piece assignment loop, and (if
// configured) the DHT maintenance loop in background goroutines and
// returns immediately; the loops run until ctx is canceled or Stop is
// called.
func (c *Coordinator) Run(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.announce.run(ctx, c.done, c.completed)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.assignmentLoop()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pexLoop()
	}()

	if c.dht != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dht.RunMaintenanceLoop(c.done)
		}()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dhtLookupLoop()
		}()
	}
}

// dhtLookupLoop periodically asks the DHT for peers on this torrent's
// info hash, feeding any found addresses through the same discovery
// callback as tracker announces.
func (c *Coordinator) dhtLookupLoop() {
	ticker := c.clk.Ticker(c.config.DHTLookupInterval)
	defer ticker.Stop()
	id := dht.IDFromBytes(c.infoFingerprint.Bytes())
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			nodes := c.dht.GetPeers(id)
			if c.peerDiscovered == nil {
				continue
			}
			for _, n := range nodes {
				c.peerDiscovered(net.JoinHostPort(n.IP.String(), fmt.Sprint(n.Port)))
			}
		}
	}
}

// PeerCount returns the number of currently connected peers.
func (c *Coordinator) PeerCount() int {
	return c.pool.Len()
}

// BytesUploaded returns the cumulative bytes sent to peers so far.
func (c *Coordinator) BytesUploaded() int64 {
	return c.uploaded.Load()
}

// BytesDownloaded returns the cumulative verified bytes received so far.
func (c *Coordinator) BytesDownloaded() int64 {
	return c.downloaded.Load()
}

// DownloadSpeed returns the current instantaneous download rate, in bytes
// per second, averaged over ratelimit.WindowDuration.
func (c *Coordinator) DownloadSpeed() float64 {
	return c.downloadSpeed.BytesPerSec()
}

// UploadSpeed returns the current instantaneous upload rate, in bytes per
// second, averaged over ratelimit.WindowDuration.
func (c *Coordinator) UploadSpeed() float64 {
	return c.uploadSpeed.BytesPerSec()
}

// SetSeedingHandler registers a callback invoked exactly once, the moment
// every piece has been downloaded and verified and the coordinator enters
// seeding mode. Used by the caller to persist a resume-state sidecar now
// that there's nothing left to resume.
func (c *Coordinator) SetSeedingHandler(fn func()) {
	c.seedingEntered = fn
}

// Manager returns the underlying piece manager, for callers that need to
// report progress (percent complete, piece count) alongside the
// coordinator's own byte counters.
func (c *Coordinator) Manager() *piece.Manager {
	return c.manager
}

// Stop signals every loop to exit and waits for them to finish.
func (c *Coordinator) Stop() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

func (c *Coordinator) assignmentLoop() {
	ticker := c.clk.Ticker(c.config.AssignmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.assignPieces()
			c.reapExpiredRequests()
		}
	}
}

// reapExpiredRequests drops pending REQUESTs that have outlived
// RequestTimeout so their pieces become reassignable.
func (c *Coordinator) reapExpiredRequests() {
	for _, sess := range c.pool.Sessions() {
		expired := sess.conn.Requests.Expired()
		if len(expired) == 0 {
			continue
		}
		for _, r := range expired {
			sess.conn.Requests.Remove(r.Piece, r.Offset)
		}
		if sess.assignment.pieceIndex != -1 {
			c.manager.DropInProgress(sess.assignment.pieceIndex)
			c.clearAssignment(sess)
		}
	}
}

// AddPeer registers a newly handshaked connection with the pool and starts
// dispatching its incoming messages. Returns false if the pool has no room.
func (c *Coordinator) AddPeer(conn *peerconn.Conn) bool {
	if !c.pool.Add(conn) {
		return false
	}
	conn.Start()
	if conn.SupportsExtensionProtocol() {
		_ = conn.Send(c.localExtendedHandshake())
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchPeer(conn)
	}()
	return true
}

// ConnClosed implements peerconn.Events: it drops the session from the pool
// and reassigns any in-flight piece.
func (c *Coordinator) ConnClosed(conn *peerconn.Conn) {
	if sess, ok := c.pool.Get(conn.PeerID()); ok && sess.assignment.pieceIndex != -1 {
		c.manager.DropInProgress(sess.assignment.pieceIndex)
	}
	c.pool.Remove(conn.PeerID())
}

// dispatchPeer handles the message types peerconn.Conn deliberately leaves
// to the caller: REQUEST, PIECE, CANCEL, PORT, EXTENDED, and
// REJECT_REQUEST.
func (c *Coordinator) dispatchPeer(conn *peerconn.Conn) {
	for msg := range conn.Receiver() {
		if msg.KeepAlive {
			continue
		}
		switch msg.Type {
		case wire.Request:
			c.handleRequest(conn, msg)
		case wire.Piece:
			c.handlePiece(conn, msg)
		case wire.Cancel:
			// Nothing queued to cancel: uploads are served synchronously
			// from handleRequest, so there is no backlog to drop.
		case wire.Port:
			c.handlePort(conn, msg)
		case wire.Extended:
			c.handleExtended(conn, msg)
		case wire.RejectReq:
			c.handleReject(conn, msg)
		}
	}
}

func (c *Coordinator) handleRequest(conn *peerconn.Conn, msg wire.Message) {
	if !conn.State.MayUpload() {
		return
	}
	pieceIdx, offset, length, err := wire.BlockHeader(msg.Payload)
	if err != nil {
		return
	}
	if !c.manager.HavePiece(int(pieceIdx)) {
		return
	}
	data, err := c.store.ReadPiece(int(pieceIdx))
	if err != nil {
		c.logger.Errorw("failed to read piece for upload", "piece", pieceIdx, "error", err)
		return
	}
	if int64(offset)+int64(length) > int64(len(data)) {
		return
	}
	block := data[offset : int64(offset)+int64(length)]
	if c.limiter != nil {
		if err := c.limiter.ReserveEgress(context.Background(), int64(len(block))); err != nil {
			return
		}
	}
	if err := conn.Send(wire.PieceMessage(pieceIdx, offset, block)); err == nil {
		c.uploaded.Add(int64(len(block)))
		c.uploadSpeed.Record(int64(len(block)))
	}
}

func (c *Coordinator) handlePiece(conn *peerconn.Conn, msg wire.Message) {
	pieceIdx, offset, data, err := wire.PieceHeader(msg.Payload)
	if err != nil {
		return
	}
	conn.Requests.Remove(int(pieceIdx), int64(offset))
	if c.limiter != nil {
		_ = c.limiter.ReserveIngress(context.Background(), int64(len(data)))
	}
	if err := c.manager.AddBlock(int(pieceIdx), int64(offset), data); err != nil {
		c.logger.Debugw("dropped block", "piece", pieceIdx, "offset", offset, "error", err)
		return
	}
	if !c.manager.PieceReady(int(pieceIdx)) {
		return
	}

	sess, ok := c.pool.Get(conn.PeerID())
	verified, err := c.manager.CompletePiece(int(pieceIdx), c.store)
	if err != nil {
		c.logger.Errorw("failed to write completed piece", "piece", pieceIdx, "error", err)
		return
	}
	if ok {
		c.clearAssignment(sess)
	}
	if !verified {
		// Hash mismatch: the piece becomes reassignable on the next round.
		return
	}

	pieceSize := c.manager.PieceSize(int(pieceIdx))
	c.downloaded.Add(pieceSize)
	c.downloadSpeed.Record(pieceSize)
	c.cancelPendingForPiece(pieceIdx, conn)
	c.broadcastHave(pieceIdx)
	if c.manager.IsComplete() {
		c.enterSeedingMode()
	}
}

// cancelPendingForPiece sends CANCEL to every other session with an
// outstanding REQUEST for pieceIdx, now that it has already been completed
// by except's delivery. This is what makes endgame mode's parallel
// requesting converge instead of wasting bandwidth on every duplicate
// in-flight block.
func (c *Coordinator) cancelPendingForPiece(pieceIdx uint32, except *peerconn.Conn) {
	for _, sess := range c.pool.Sessions() {
		if sess.conn == except {
			continue
		}
		for _, r := range sess.conn.Requests.RemoveForPiece(int(pieceIdx)) {
			_ = sess.conn.Send(wire.CancelMessage(uint32(r.Piece), uint32(r.Offset), uint32(r.Length)))
		}
	}
}

func (c *Coordinator) handlePort(conn *peerconn.Conn, msg wire.Message) {
	if c.dht == nil {
		return
	}
	port, err := wire.PortValue(msg.Payload)
	if err != nil {
		return
	}
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	c.dht.Bootstrap([]*net.UDPAddr{{IP: remote.IP, Port: int(port)}})
}

// broadcastHave sends HAVE for pieceIdx to every connected peer.
func (c *Coordinator) broadcastHave(pieceIdx uint32) {
	for _, sess := range c.pool.Sessions() {
		_ = sess.conn.Send(wire.HaveMessage(pieceIdx))
	}
}

// enterSeedingMode is called once every piece has been downloaded and
// verified: from this point the coordinator no longer issues REQUESTs and
// exists purely to serve uploads until shut down.
func (c *Coordinator) enterSeedingMode() {
	select {
	case <-c.completed:
		return
	default:
	}
	close(c.completed)
	c.logger.Info("download complete, entering seeding mode")
	if c.seedingEntered != nil {
		c.seedingEntered()
	}
}
