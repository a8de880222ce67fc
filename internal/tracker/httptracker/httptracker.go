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

// Package httptracker implements the BEP 3 HTTP/bencode tracker protocol.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kraken-torrent/corebt/internal/bencode"
	"github.com/kraken-torrent/corebt/internal/tracker"
)

// Config configures the HTTP tracker client.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Client issues BEP 3 HTTP announces.
type Client struct {
	config Config
	hc     *http.Client
}

// New creates an HTTP tracker client.
func New(config Config) *Client {
	config = config.applyDefaults()
	return &Client{
		config: config,
		hc:     &http.Client{Timeout: config.Timeout},
	}
}

var _ tracker.Client = (*Client)(nil)

// Announce issues an HTTP GET announce to trackerURL.
func (c *Client) Announce(
	ctx context.Context, trackerURL string, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {

	full, err := buildAnnounceURL(trackerURL, req)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: build url: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: new request: %w", err)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: status %d: %s", resp.StatusCode, string(body))
	}

	return parseAnnounceResponse(body)
}

func buildAnnounceURL(trackerURL string, req tracker.AnnounceRequest) (string, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoFingerprint.Bytes()))
	q.Set("peer_id", string(req.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != tracker.EventNone {
		q.Set("event", string(req.Event))
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseAnnounceResponse decodes a bencoded tracker announce reply.
func parseAnnounceResponse(body []byte) (tracker.AnnounceResponse, error) {
	v, err := bencode.DecodeAll(body)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: decode response: %w", err)
	}
	if reason, err := v.GetString("failure reason"); err == nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: tracker failure: %s", reason)
	}

	var resp tracker.AnnounceResponse
	if interval, err := v.GetInt("interval"); err == nil {
		resp.Interval = int(interval)
	}
	if complete, err := v.GetInt("complete"); err == nil {
		resp.Complete = int(complete)
	}
	if incomplete, err := v.GetInt("incomplete"); err == nil {
		resp.Incomplete = int(incomplete)
	}

	peers, err := v.Get("peers")
	if err != nil {
		return resp, nil
	}
	switch peers.Kind() {
	case bencode.KindString:
		resp.Peers, err = decodeCompactPeers(peers.Bytes())
		if err != nil {
			return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: decode compact peers: %w", err)
		}
	case bencode.KindList:
		for _, p := range peers.List() {
			ipStr, err := p.GetString("ip")
			if err != nil {
				continue
			}
			port, err := p.GetInt("port")
			if err != nil {
				continue
			}
			ip := net.ParseIP(string(ipStr))
			if ip == nil {
				continue
			}
			resp.Peers = append(resp.Peers, tracker.PeerAddr{IP: ip, Port: uint16(port)})
		}
	}
	return resp, nil
}

// decodeCompactPeers unpacks the compact peer form: 6 bytes per peer, 4
// bytes IPv4 followed by 2 bytes big-endian port.
func decodeCompactPeers(raw []byte) ([]tracker.PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(raw))
	}
	n := len(raw) / 6
	peers := make([]tracker.PeerAddr, 0, n)
	for i := 0; i < n; i++ {
		b := raw[i*6 : i*6+6]
		ip := net.IPv4(b[0], b[1], b[2], b[3])
		port := uint16(b[4])<<8 | uint16(b[5])
		peers = append(peers, tracker.PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}
