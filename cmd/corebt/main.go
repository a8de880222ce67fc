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
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/config"
	"github.com/kraken-torrent/corebt/internal/coordinator"
	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/dht"
	corelog "github.com/kraken-torrent/corebt/internal/log"
	"github.com/kraken-torrent/corebt/internal/magnet"
	"github.com/kraken-torrent/corebt/internal/piece"
	"github.com/kraken-torrent/corebt/internal/ratelimit"
	"github.com/kraken-torrent/corebt/internal/store"
	"github.com/kraken-torrent/corebt/internal/torrentfile"
	"github.com/kraken-torrent/corebt/internal/tracker"
	"github.com/kraken-torrent/corebt/internal/tracker/httptracker"
	"github.com/kraken-torrent/corebt/internal/tracker/udptracker"
)

func main() {
	os.Exit(Execute())
}

// handshakeTimeout bounds both inbound and outbound peer handshakes.
const handshakeTimeout = 10 * time.Second

// statusInterval is how often the progress line is redrawn.
const statusInterval = 2 * time.Second

func run(torrentOrMagnet string) error {
	var cfg config.Config
	if flags.configFile != "" {
		loaded, err := config.Load(flags.configFile)
		if err != nil {
			return invalidInputf("%s", err)
		}
		cfg = loaded
	}
	if flags.logLevel != "" {
		level, err := parseLevel(flags.logLevel)
		if err != nil {
			return invalidInputf("%s", err)
		}
		cfg.Logging.Level = level
	}
	if flags.maxPeers > 0 {
		cfg.Coordinator.MaxPeers = flags.maxPeers
	}
	if flags.downRate > 0 {
		cfg.RateLimit.IngressBytesPerSec = flags.downRate
	}
	if flags.upRate > 0 {
		cfg.RateLimit.EgressBytesPerSec = flags.upRate
	}

	logger, err := corelog.ConfigureLogger(cfg.Logging)
	if err != nil {
		return invalidInputf("configure logging: %s", err)
	}
	defer logger.Sync()

	clk := clock.New()
	stats := tally.NoopScope

	localPeerID, err := core.RandomPeerID()
	if err != nil {
		return runtimeFailuref("generate local peer id: %s", err)
	}

	t, initialPeers, err := resolveTorrent(torrentOrMagnet, localPeerID, logger)
	if err != nil {
		if _, ok := err.(exitCodeError); ok {
			return err
		}
		return invalidInputf("%s", err)
	}

	if err := os.MkdirAll(flags.downloadDir, 0755); err != nil {
		return runtimeFailuref("create download directory: %s", err)
	}
	diskStore := store.NewDiskStore(t, flags.downloadDir)
	if err := diskStore.Initialize(); err != nil {
		return runtimeFailuref("initialize file store: %s", err)
	}
	defer diskStore.Close()

	manager := piece.NewManager(t.PieceLength, t.TotalLength(), t.PieceFingerprints)
	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	resumePath := filepath.Join(flags.downloadDir, t.Name+".resume")
	if raw, err := os.ReadFile(resumePath); err == nil {
		if state, err := piece.DecodeResumeState(raw); err != nil {
			logger.Debugw("ignoring unreadable resume state", "path", resumePath, "error", err)
		} else if state.InfoFingerprint != t.InfoFingerprint {
			logger.Debugw("ignoring resume state for a different torrent", "path", resumePath)
		} else if restored := manager.Restore(state); restored > 0 {
			logger.Infow("restored resume state", "pieces", restored, "path", resumePath)
		}
	}

	endpoints := buildTrackerEndpoints(t.AnnounceURLs(), cfg, logger)

	var dhtServer *dht.Server
	if !flags.noDHT {
		localID, err := dht.RandomID()
		if err != nil {
			return runtimeFailuref("generate dht node id: %s", err)
		}
		cfg.DHT.Port = flags.listenPort
		dhtServer, err = dht.NewServer(cfg.DHT, localID, clk, logger)
		if err != nil {
			return runtimeFailuref("create dht server: %s", err)
		}
		if err := dhtServer.Start(); err != nil {
			return runtimeFailuref("start dht server: %s", err)
		}
		defer dhtServer.Stop()
	}

	coord := coordinator.New(
		cfg.Coordinator, clk, logger, stats,
		localPeerID, t.InfoFingerprint, uint16(flags.listenPort),
		manager, diskStore, limiter, endpoints, dhtServer)

	dialer := &peerDialer{
		infoFingerprint: t.InfoFingerprint,
		localPeerID:     localPeerID,
		numPieces:       t.NumPieces(),
		coord:           coord,
		cfg:             cfg.PeerConn,
		stats:           stats,
		clk:             clk,
		logger:          logger,
		dialed:          make(map[string]bool),
	}
	coord.SetPeerDiscoveredHandler(dialer.dial)

	writeResume := func() {
		data := manager.EncodeResumeState(t.InfoFingerprint)
		if err := os.WriteFile(resumePath, data, 0644); err != nil {
			logger.Warnw("failed to write resume state", "path", resumePath, "error", err)
		}
	}
	coord.SetSeedingHandler(writeResume)

	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", flags.listenPort))
	if err != nil {
		return runtimeFailuref("listen on port %d: %s", flags.listenPort, err)
	}
	defer listener.Close()

	listeners := []net.Listener{listener}
	if flags.ipv6 {
		if listener6, err := net.Listen("tcp6", fmt.Sprintf(":%d", flags.listenPort)); err != nil {
			logger.Debugw("ipv6 listener unavailable, continuing on ipv4 only", "error", err)
		} else {
			defer listener6.Close()
			listeners = append(listeners, listener6)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, l := range listeners {
		go acceptLoop(l, dialer)
	}

	for _, addr := range initialPeers {
		dialer.dial(addr)
	}

	coord.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go printStatus(coord, manager)

	<-sigCh
	logger.Info("received shutdown signal")

	cancel()
	for _, l := range listeners {
		l.Close()
	}
	coord.Stop()
	writeResume()
	return nil
}

// resolveTorrent turns the command-line argument into a Torrent descriptor
// plus whatever peer addresses were immediately available (only magnet
// links carry any).
func resolveTorrent(arg string, localPeerID core.PeerID, logger *zap.SugaredLogger) (*torrentfile.Torrent, []string, error) {
	if strings.HasPrefix(arg, "magnet:") {
		m, err := magnet.Parse(arg)
		if err != nil {
			return nil, nil, fmt.Errorf("parse magnet: %w", err)
		}
		if len(m.Trackers) == 0 {
			return nil, nil, fmt.Errorf("magnet link has no trackers to bootstrap metadata discovery from")
		}
		peers := collectInitialPeers(m.InfoFingerprint, localPeerID, m.Trackers, logger)
		if len(peers) == 0 {
			return nil, nil, runtimeFailuref("no peers discovered to fetch metadata from")
		}
		t, err := fetchMetadata(m.InfoFingerprint, localPeerID, peers, logger)
		if err != nil {
			return nil, nil, runtimeFailuref("fetch metadata: %w", err)
		}
		if t.Announce == "" && len(t.AnnounceList) == 0 {
			t.Announce = m.Trackers[0]
			for _, tr := range m.Trackers[1:] {
				t.AnnounceList = append(t.AnnounceList, []string{tr})
			}
		}
		return t, peers, nil
	}
	t, err := torrentfile.Load(arg)
	if err != nil {
		return nil, nil, fmt.Errorf("load torrent file: %w", err)
	}
	return t, nil, nil
}

// collectInitialPeers announces once to every tracker URL to gather a seed
// set of peer addresses for the ut_metadata exchange, ignoring failures
// from any individual tracker.
func collectInitialPeers(infoFingerprint core.Fingerprint, localPeerID core.PeerID, urls []string, logger *zap.SugaredLogger) []string {
	httpClient := httptracker.New(httptracker.Config{})
	udpClient := udptracker.New(udptracker.Config{})

	req := tracker.AnnounceRequest{
		InfoFingerprint: infoFingerprint,
		PeerID:          localPeerID,
		Port:            uint16(flags.listenPort),
		Left:            1,
		Event:           tracker.EventStarted,
		NumWant:         50,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var addrs []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		var client tracker.Client
		switch {
		case strings.HasPrefix(u.Scheme, "http"):
			client = httpClient
		case u.Scheme == "udp":
			client = udpClient
		default:
			continue
		}
		resp, err := client.Announce(ctx, raw, req)
		if err != nil {
			logger.Debugw("metadata-phase announce failed", "tracker", raw, "error", err)
			continue
		}
		for _, p := range resp.Peers {
			addrs = append(addrs, p.String())
		}
	}
	return addrs
}

func buildTrackerEndpoints(urls []string, cfg config.Config, logger *zap.SugaredLogger) []coordinator.TrackerEndpoint {
	var out []coordinator.TrackerEndpoint
	httpClient := httptracker.New(cfg.HTTPTracker)
	udpClient := udptracker.New(cfg.UDPTracker)
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			logger.Debugw("skipping unparseable announce url", "url", raw, "error", err)
			continue
		}
		switch {
		case strings.HasPrefix(u.Scheme, "http"):
			out = append(out, coordinator.NewTrackerEndpoint(raw, httpClient))
		case u.Scheme == "udp":
			out = append(out, coordinator.NewTrackerEndpoint(raw, udpClient))
		default:
			logger.Debugw("skipping announce url with unsupported scheme", "url", raw)
		}
	}
	return out
}

func parseLevel(s string) (zap.AtomicLevel, error) {
	var l zap.AtomicLevel
	err := l.UnmarshalText([]byte(s))
	return l, err
}
