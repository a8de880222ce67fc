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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/bencode"
)

// Config configures a Server.
type Config struct {
	Port              int           `yaml:"port"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	LookupConcurrency int           `yaml:"lookup_concurrency"`
	LookupBudget      time.Duration `yaml:"lookup_budget"`
}

func (c Config) applyDefaults() Config {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.LookupConcurrency == 0 {
		c.LookupConcurrency = 3
	}
	if c.LookupBudget == 0 {
		c.LookupBudget = 30 * time.Second
	}
	return c
}

type pendingQuery struct {
	respCh chan *Response
	errCh  chan *ErrorMsg
}

// Server runs the DHT network loop: it owns the routing table, the UDP
// socket, the token server, and the local peer store for info-hashes we are
// serving get_peers/announce_peer for.
type Server struct {
	config  Config
	localID ID
	clk     clock.Clock
	logger  *zap.SugaredLogger

	conn   *net.UDPConn
	Table  *RoutingTable
	Tokens *TokenServer

	mu      sync.Mutex
	pending map[string]*pendingQuery
	peers   map[ID][]Node // info_hash -> peers we know are serving it

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates (but does not start) a DHT server bound to localID.
func NewServer(config Config, localID ID, clk clock.Clock, logger *zap.SugaredLogger) (*Server, error) {
	config = config.applyDefaults()
	tokens, err := NewTokenServer(clk)
	if err != nil {
		return nil, fmt.Errorf("dht: new token server: %w", err)
	}
	return &Server{
		config:  config,
		localID: localID,
		clk:     clk,
		logger:  logger,
		Table:   NewRoutingTable(localID, clk),
		Tokens:  tokens,
		pending: make(map[string]*pendingQuery),
		peers:   make(map[ID][]Node),
		done:    make(chan struct{}),
	}, nil
}

// Start binds the UDP socket and launches the receive loop.
func (s *Server) Start() error {
	nc, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.config.Port})
	if err != nil {
		return fmt.Errorf("dht: listen: %w", err)
	}
	s.conn = nc
	s.wg.Add(1)
	go s.recvLoop()
	return nil
}

// LocalAddr returns the bound UDP address. Only valid after Start.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Stop shuts down the server.
func (s *Server) Stop() {
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

// Bootstrap seeds the routing table by querying find_node(localID) against
// every address in addrs. Per spec, a bootstrap node is never added to the
// routing table under a placeholder id -- only once its real id arrives in
// its response.
func (s *Server) Bootstrap(addrs []*net.UDPAddr) {
	for _, addr := range addrs {
		go func(addr *net.UDPAddr) {
			resp, err := s.query(addr, MethodFindNode, map[string]bencode.Value{
				"target": bencode.NewString(s.localID.Bytes()),
			})
			if err != nil {
				return
			}
			s.ingestNodesField(resp)
		}(addr)
	}
}

func (s *Server) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, 8192)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.handlePacket(append([]byte(nil), buf[:n]...), addr)
	}
}

func (s *Server) handlePacket(raw []byte, addr *net.UDPAddr) {
	q, r, e, err := DecodeMessage(raw)
	if err != nil {
		return
	}
	switch {
	case q != nil:
		s.handleQuery(q, addr)
	case r != nil:
		s.deliverResponse(r)
	case e != nil:
		s.deliverError(e)
	}
}

func (s *Server) deliverResponse(r *Response) {
	s.mu.Lock()
	p, ok := s.pending[r.TxID]
	if ok {
		delete(s.pending, r.TxID)
	}
	s.mu.Unlock()
	if ok {
		p.respCh <- r
	}
}

func (s *Server) deliverError(e *ErrorMsg) {
	s.mu.Lock()
	p, ok := s.pending[e.TxID]
	if ok {
		delete(s.pending, e.TxID)
	}
	s.mu.Unlock()
	if ok {
		p.errCh <- e
	}
}

// query sends method with args to addr, waiting up to QueryTimeout for a
// matching response or error.
func (s *Server) query(addr *net.UDPAddr, method string, args map[string]bencode.Value) (*Response, error) {
	txID, err := newTxID()
	if err != nil {
		return nil, err
	}
	args["id"] = bencode.NewString(s.localID.Bytes())

	p := &pendingQuery{respCh: make(chan *Response, 1), errCh: make(chan *ErrorMsg, 1)}
	s.mu.Lock()
	s.pending[txID] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, txID)
		s.mu.Unlock()
	}()

	if _, err := s.conn.WriteToUDP(EncodeQuery(txID, method, args), addr); err != nil {
		return nil, fmt.Errorf("dht: write query: %w", err)
	}

	select {
	case r := <-p.respCh:
		return r, nil
	case e := <-p.errCh:
		return nil, fmt.Errorf("dht: remote error %d: %s", e.Code, e.Message)
	case <-time.After(s.config.QueryTimeout):
		return nil, fmt.Errorf("dht: query %s to %s timed out", method, addr)
	}
}

func (s *Server) reply(addr *net.UDPAddr, txID string, fields map[string]bencode.Value) {
	s.conn.WriteToUDP(EncodeResponse(txID, fields), addr)
}

func (s *Server) replyValues(addr *net.UDPAddr, txID string, values [][]byte, token []byte) {
	vs := make([]bencode.Value, len(values))
	for i, v := range values {
		vs[i] = bencode.NewString(v)
	}
	s.reply(addr, txID, map[string]bencode.Value{
		"id":     bencode.NewString(s.localID.Bytes()),
		"values": bencode.NewList(vs),
		"token":  bencode.NewString(token),
	})
}

func (s *Server) replyError(addr *net.UDPAddr, txID string, code int64, message string) {
	s.conn.WriteToUDP(EncodeError(txID, code, message), addr)
}

func (s *Server) handleQuery(q *Query, addr *net.UDPAddr) {
	idBytes, err := bytesArg(q.Args, "id")
	if err != nil || len(idBytes) != IDLength {
		return
	}
	querierID := IDFromBytes(idBytes)
	s.Table.AddNode(Node{ID: querierID, IP: addr.IP, Port: uint16(addr.Port)})

	switch q.Method {
	case MethodPing:
		s.reply(addr, q.TxID, map[string]bencode.Value{"id": bencode.NewString(s.localID.Bytes())})

	case MethodFindNode:
		target, err := bytesArg(q.Args, "target")
		if err != nil || len(target) != IDLength {
			return
		}
		closest := s.Table.FindClosest(IDFromBytes(target), K)
		s.reply(addr, q.TxID, map[string]bencode.Value{
			"id":    bencode.NewString(s.localID.Bytes()),
			"nodes": bencode.NewString(compactNodesBytes(closest)),
		})

	case MethodGetPeers:
		infoHashBytes, err := bytesArg(q.Args, "info_hash")
		if err != nil || len(infoHashBytes) != IDLength {
			return
		}
		infoHash := IDFromBytes(infoHashBytes)
		token := s.Tokens.Issue(addr.IP, infoHash)

		s.mu.Lock()
		knownPeers := append([]Node(nil), s.peers[infoHash]...)
		s.mu.Unlock()

		if len(knownPeers) > 0 {
			values := make([][]byte, len(knownPeers))
			for i, p := range knownPeers {
				values[i] = CompactPeer(p.IP, p.Port)
			}
			s.replyValues(addr, q.TxID, values, token)
			return
		}
		closest := s.Table.FindClosest(infoHash, K)
		s.reply(addr, q.TxID, map[string]bencode.Value{
			"id":    bencode.NewString(s.localID.Bytes()),
			"nodes": bencode.NewString(compactNodesBytes(closest)),
			"token": bencode.NewString(token),
		})

	case MethodAnnouncePeer:
		infoHashBytes, err := bytesArg(q.Args, "info_hash")
		if err != nil || len(infoHashBytes) != IDLength {
			return
		}
		infoHash := IDFromBytes(infoHashBytes)
		token, err := bytesArg(q.Args, "token")
		if err != nil || !s.Tokens.Validate(addr.IP, infoHash, token) {
			s.replyError(addr, q.TxID, ErrProtocol, "bad token")
			return
		}
		port := uint16(addr.Port)
		impliedPort := false
		if v, ok := q.Args["implied_port"]; ok && v.Kind() == bencode.KindInt {
			impliedPort = v.Int() != 0
		}
		if !impliedPort {
			if v, ok := q.Args["port"]; ok && v.Kind() == bencode.KindInt {
				port = uint16(v.Int())
			}
		}
		s.mu.Lock()
		s.peers[infoHash] = append(s.peers[infoHash], Node{ID: querierID, IP: addr.IP, Port: port})
		s.mu.Unlock()
		s.reply(addr, q.TxID, map[string]bencode.Value{"id": bencode.NewString(s.localID.Bytes())})

	default:
		s.replyError(addr, q.TxID, ErrMethodUnknown, "unknown method")
	}
}

// ingestNodesField adds every compact node record in resp.Fields["nodes"]
// to the routing table.
func (s *Server) ingestNodesField(resp *Response) {
	v, ok := resp.Fields["nodes"]
	if !ok || v.Kind() != bencode.KindString {
		return
	}
	nodes, err := ParseCompactNodes(v.Bytes())
	if err != nil {
		return
	}
	for _, n := range nodes {
		s.Table.AddNode(n)
	}
}

func compactNodesBytes(nodes []Node) []byte {
	var out []byte
	for _, n := range nodes {
		out = append(out, CompactNode(n)...)
	}
	return out
}

func bytesArg(args map[string]bencode.Value, key string) ([]byte, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("dht: missing arg %q", key)
	}
	if v.Kind() != bencode.KindString {
		return nil, fmt.Errorf("dht: arg %q not a string", key)
	}
	return v.Bytes(), nil
}

func newTxID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
