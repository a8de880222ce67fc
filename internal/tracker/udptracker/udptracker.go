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

// Package udptracker implements the BEP 15 UDP tracker protocol: a
// connect/announce handshake over a bare UDP socket.
package udptracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/kraken-torrent/corebt/internal/tracker"
)

// protocolID is the BEP 15 magic constant identifying the connect request.
const protocolID = 0x41727101980

// Action codes.
const (
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

// connectionIDTTL is how long a connection id remains valid for reuse.
const connectionIDTTL = time.Minute

// receiveTimeout is the deadline for each connect/announce exchange.
const receiveTimeout = 15 * time.Second

// maxRetries bounds the number of send attempts per exchange.
const maxRetries = 8

// Config configures the UDP tracker client.
type Config struct {
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

func (c Config) applyDefaults() Config {
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = receiveTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = maxRetries
	}
	return c
}

// Client issues BEP 15 UDP announces, caching connection ids per tracker
// address for reuse within their TTL.
type Client struct {
	config Config

	connIDs map[string]connIDEntry
}

type connIDEntry struct {
	id        uint64
	expiresAt time.Time
}

// New creates a UDP tracker client.
func New(config Config) *Client {
	return &Client{
		config:  config.applyDefaults(),
		connIDs: make(map[string]connIDEntry),
	}
}

var _ tracker.Client = (*Client)(nil)

// Announce performs a full connect (if needed) + announce exchange against
// trackerURL, which must be a "udp://host:port" address.
func (c *Client) Announce(
	ctx context.Context, trackerURL string, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {

	addr, err := resolveUDPTracker(trackerURL)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("udptracker: resolve: %w", err)
	}

	nc, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("udptracker: dial: %w", err)
	}
	defer nc.Close()

	connID, err := c.connectionID(ctx, nc, addr.String())
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("udptracker: connect: %w", err)
	}

	return c.announce(ctx, nc, connID, req)
}

func resolveUDPTracker(trackerURL string) (*net.UDPAddr, error) {
	u, err := parseUDPURL(trackerURL)
	if err != nil {
		return nil, err
	}
	return net.ResolveUDPAddr("udp", u)
}

// parseUDPURL strips a "udp://" scheme prefix, leaving a bare host:port.
func parseUDPURL(trackerURL string) (string, error) {
	const scheme = "udp://"
	if len(trackerURL) > len(scheme) && trackerURL[:len(scheme)] == scheme {
		return trackerURL[len(scheme):], nil
	}
	return trackerURL, nil
}

func (c *Client) connectionID(ctx context.Context, nc *net.UDPConn, key string) (uint64, error) {
	if e, ok := c.connIDs[key]; ok && time.Now().Before(e.expiresAt) {
		return e.id, nil
	}

	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := c.exchange(ctx, nc, req, txID)
	if err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint32(resp[0:4]) != actionConnect {
		return 0, fmt.Errorf("unexpected action in connect response")
	}
	connID := binary.BigEndian.Uint64(resp[8:16])
	c.connIDs[key] = connIDEntry{id: connID, expiresAt: time.Now().Add(connectionIDTTL)}
	return connID, nil
}

func (c *Client) announce(
	ctx context.Context, nc *net.UDPConn, connID uint64, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {

	txID := rand.Uint32()
	key := rand.Uint32()

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoFingerprint.Bytes())
	copy(buf[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], eventCode(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip = 0 (default)
	binary.BigEndian.PutUint32(buf[88:92], key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	resp, err := c.exchange(ctx, nc, buf, txID)
	if err != nil {
		return tracker.AnnounceResponse{}, err
	}
	return parseAnnounceResponse(resp)
}

func eventCode(e tracker.Event) uint32 {
	switch e {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}

// exchange sends req and waits for a response of at least 8 bytes
// carrying the matching transaction id, retrying with a fresh read deadline
// (but the same request, since the caller already stamped txID into it) on
// timeout.
func (c *Client) exchange(ctx context.Context, nc *net.UDPConn, req []byte, txID uint32) ([]byte, error) {
	buf := make([]byte, 4096)
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := nc.Write(req); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
		nc.SetReadDeadline(time.Now().Add(c.config.ReceiveTimeout))
		n, err := nc.Read(buf)
		if err != nil {
			continue // timeout or transient error, retry
		}
		if n < 8 {
			continue
		}
		if err := checkResponse(buf[:n], txID); err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	return nil, fmt.Errorf("exceeded %d retries", c.config.MaxRetries)
}

func checkResponse(resp []byte, txID uint32) error {
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return fmt.Errorf("transaction id mismatch")
	}
	if action == actionError {
		return fmt.Errorf("tracker error: %s", string(resp[8:]))
	}
	return nil
}

func parseAnnounceResponse(resp []byte) (tracker.AnnounceResponse, error) {
	if len(resp) < 20 {
		return tracker.AnnounceResponse{}, fmt.Errorf("announce response too short: %d bytes", len(resp))
	}
	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	peerBytes := resp[20:]
	if len(peerBytes)%6 != 0 {
		return tracker.AnnounceResponse{}, fmt.Errorf("peer list length %d not a multiple of 6", len(peerBytes))
	}
	n := len(peerBytes) / 6
	peers := make([]tracker.PeerAddr, 0, n)
	for i := 0; i < n; i++ {
		b := peerBytes[i*6 : i*6+6]
		ip := net.IPv4(b[0], b[1], b[2], b[3])
		port := binary.BigEndian.Uint16(b[4:6])
		peers = append(peers, tracker.PeerAddr{IP: ip, Port: port})
	}
	return tracker.AnnounceResponse{
		Interval:   int(interval),
		Incomplete: int(leechers),
		Complete:   int(seeders),
		Peers:      peers,
	}, nil
}
