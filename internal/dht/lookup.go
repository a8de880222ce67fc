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
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kraken-torrent/corebt/internal/bencode"
)

type shortlistEntry struct {
	node    Node
	queried bool
}

// FindNode performs an iterative find_node lookup for target, returning the
// K closest nodes discovered.
func (s *Server) FindNode(target ID) []Node {
	nodes, _ := s.runLookup(target, false)
	return nodes
}

// GetPeers performs an iterative get_peers lookup for infoHash, returning
// every peer address accumulated across the whole lookup.
func (s *Server) GetPeers(infoHash ID) []Node {
	_, peers := s.runLookup(infoHash, true)
	return peers
}

// runLookup is the standard Kademlia iterative lookup: start from the K
// known-closest nodes, query the alpha closest not-yet-queried nodes in
// parallel each round, merge newly discovered nodes into the shortlist,
// and stop when no unqueried candidate remains, no node closer than the
// best already known appears after a full round, or the wall-clock budget
// expires. There is no separate check for the K closest queried nodes
// having all responded.
func (s *Server) runLookup(target ID, collectPeers bool) ([]Node, []Node) {
	deadline := time.Now().Add(s.config.LookupBudget)

	var mu sync.Mutex
	shortlist := make(map[ID]*shortlistEntry)
	var peers []Node
	seenPeer := make(map[string]bool)

	addCandidate := func(n Node) {
		mu.Lock()
		defer mu.Unlock()
		if n.ID == s.localID {
			return
		}
		if _, ok := shortlist[n.ID]; !ok {
			shortlist[n.ID] = &shortlistEntry{node: n}
		}
	}

	for _, n := range s.Table.FindClosest(target, K) {
		addCandidate(n)
	}

	for time.Now().Before(deadline) {
		mu.Lock()
		var candidates []*shortlistEntry
		for _, e := range shortlist {
			if !e.queried {
				candidates = append(candidates, e)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return target.Distance(candidates[i].node.ID).Less(target.Distance(candidates[j].node.ID))
		})
		if len(candidates) > s.config.LookupConcurrency {
			candidates = candidates[:s.config.LookupConcurrency]
		}
		for _, c := range candidates {
			c.queried = true
		}
		var best ID
		haveBest := false
		for _, e := range shortlist {
			if d := target.Distance(e.node.ID); !haveBest || d.Less(best) {
				best, haveBest = d, true
			}
		}
		mu.Unlock()

		if len(candidates) == 0 {
			break
		}

		var wg sync.WaitGroup
		progressed := false
		var progressMu sync.Mutex
		for _, c := range candidates {
			wg.Add(1)
			go func(c *shortlistEntry) {
				defer wg.Done()
				addr := &net.UDPAddr{IP: c.node.IP, Port: int(c.node.Port)}

				var resp *Response
				var err error
				if collectPeers {
					resp, err = s.query(addr, MethodGetPeers, map[string]bencode.Value{
						"info_hash": bencode.NewString(target.Bytes()),
					})
				} else {
					resp, err = s.query(addr, MethodFindNode, map[string]bencode.Value{
						"target": bencode.NewString(target.Bytes()),
					})
				}
				if err != nil {
					s.Table.MarkFailedPing(c.node.ID)
					return
				}
				s.Table.AddNode(c.node)

				if v, ok := resp.Fields["nodes"]; ok && v.Kind() == bencode.KindString {
					nodes, err := ParseCompactNodes(v.Bytes())
					if err == nil {
						for _, n := range nodes {
							if !haveBest || target.Distance(n.ID).Less(best) {
								progressMu.Lock()
								progressed = true
								progressMu.Unlock()
							}
							addCandidate(n)
							s.Table.AddNode(n)
						}
					}
				}
				if collectPeers {
					if v, ok := resp.Fields["values"]; ok && v.Kind() == bencode.KindList {
						for _, pv := range v.List() {
							if pv.Kind() != bencode.KindString {
								continue
							}
							ip, port, err := ParseCompactPeer(pv.Bytes())
							if err != nil {
								continue
							}
							key := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
							mu.Lock()
							if !seenPeer[key] {
								seenPeer[key] = true
								peers = append(peers, Node{IP: ip, Port: port})
							}
							mu.Unlock()
						}
					}
				}
			}(c)
		}
		wg.Wait()

		if !progressed {
			break
		}
	}

	mu.Lock()
	var all []Node
	for _, e := range shortlist {
		all = append(all, e.node)
	}
	mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		return target.Distance(all[i].ID).Less(target.Distance(all[j].ID))
	})
	if len(all) > K {
		all = all[:K]
	}
	return all, peers
}
