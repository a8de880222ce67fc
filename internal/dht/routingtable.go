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
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// K is the maximum number of nodes held per bucket.
const K = 8

// NumBuckets is the number of k-buckets in a routing table, one per possible
// bit-position of XOR distance.
const NumBuckets = IDLength * 8

// BucketRefreshInterval is how long a bucket may go untouched before it must
// be refreshed with a random lookup falling in its range.
const BucketRefreshInterval = 15 * time.Minute

// QuestionableAfter is how long a node may go unresponsive before it is
// considered QUESTIONABLE rather than GOOD.
const QuestionableAfter = 15 * time.Minute

// Status categorizes a node's liveness.
type Status int

// The three node liveness states.
const (
	Good Status = iota
	Questionable
	Bad
)

type entry struct {
	node       Node
	lastSeen   time.Time
	failedPing int
}

func (e entry) status(clk clock.Clock) Status {
	if e.failedPing >= 3 {
		return Bad
	}
	if clk.Now().Sub(e.lastSeen) > QuestionableAfter {
		return Questionable
	}
	return Good
}

type bucket struct {
	entries     []*entry
	lastTouched time.Time
}

// RoutingTable is a Kademlia routing table of NumBuckets k-buckets, centered
// on a local node id.
type RoutingTable struct {
	mu      sync.Mutex
	localID ID
	clk     clock.Clock
	buckets [NumBuckets]*bucket
}

// NewRoutingTable creates an empty routing table centered on localID.
func NewRoutingTable(localID ID, clk clock.Clock) *RoutingTable {
	rt := &RoutingTable{localID: localID, clk: clk}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{lastTouched: clk.Now()}
	}
	return rt
}

func (rt *RoutingTable) bucketFor(id ID) *bucket {
	idx := rt.localID.BucketIndex(id)
	if idx < 0 {
		idx = 0
	}
	return rt.buckets[idx]
}

// AddNode inserts or refreshes n. Follows the replacement policy: if the
// node is already present it moves to the tail (most-recently-seen); else if
// the bucket has room it is appended; else a BAD node is evicted in its
// favor; else a QUESTIONABLE node is evicted; else n is discarded.
func (rt *RoutingTable) AddNode(n Node) {
	if n.ID == rt.localID {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(n.ID)
	b.lastTouched = rt.clk.Now()

	for i, e := range b.entries {
		if e.node.ID == n.ID {
			e.node = n
			e.lastSeen = rt.clk.Now()
			e.failedPing = 0
			b.entries = append(append(b.entries[:i], b.entries[i+1:]...), e)
			return
		}
	}

	newEntry := &entry{node: n, lastSeen: rt.clk.Now()}

	if len(b.entries) < K {
		b.entries = append(b.entries, newEntry)
		return
	}

	for i, e := range b.entries {
		if e.status(rt.clk) == Bad {
			b.entries[i] = newEntry
			return
		}
	}
	for i, e := range b.entries {
		if e.status(rt.clk) == Questionable {
			b.entries[i] = newEntry
			return
		}
	}
	// Bucket full of GOOD nodes: discard n.
}

// MarkFailedPing increments a node's failure count, eventually demoting it
// to BAD so it becomes eligible for eviction.
func (rt *RoutingTable) MarkFailedPing(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.bucketFor(id)
	for _, e := range b.entries {
		if e.node.ID == id {
			e.failedPing++
			return
		}
	}
}

// FindClosest returns the k nodes in the table closest to target by XOR
// distance, ordered nearest-first.
func (rt *RoutingTable) FindClosest(target ID, k int) []Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []Node
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			all = append(all, e.node)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return target.Distance(all[i].ID).Less(target.Distance(all[j].ID))
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// StaleBuckets returns the index of every bucket that has gone untouched
// longer than BucketRefreshInterval.
func (rt *RoutingTable) StaleBuckets() []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var stale []int
	for i, b := range rt.buckets {
		if len(b.entries) == 0 {
			continue
		}
		if rt.clk.Now().Sub(b.lastTouched) > BucketRefreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}

// RandomIDInBucket returns a random id whose BucketIndex relative to localID
// is exactly bucketIdx, suitable as a refresh lookup target.
func (rt *RoutingTable) RandomIDInBucket(bucketIdx int) (ID, error) {
	id, err := RandomID()
	if err != nil {
		return ID{}, err
	}
	// Force the target to land in the requested bucket: copy localID's
	// prefix up to the differing bit, flip that bit, randomize the rest.
	bitPos := bucketIdx
	byteIdx := (IDLength - 1) - bitPos/8
	bitIdx := uint(bitPos % 8)

	result := rt.localID
	for i := 0; i < byteIdx; i++ {
		result[i] = id[i]
	}
	result[byteIdx] = rt.localID[byteIdx] ^ (1 << bitIdx)
	for i := byteIdx + 1; i < IDLength; i++ {
		result[i] = id[i]
	}
	return result, nil
}

// Size returns the total number of nodes currently held across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.entries)
	}
	return n
}
