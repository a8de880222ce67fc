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
package piece

import (
	"container/heap"
	"errors"
)

// item is one entry in a priorityQueue: a piece index paired with its
// rarity count.
type item struct {
	value    int
	priority int
	index    int
}

// itemHeap is a min-heap of items ordered by ascending priority (rarest
// piece, i.e. fewest peers holding it, first).
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	return h[i].priority < h[j].priority || (h[i].priority == h[j].priority && h[i].value < h[j].value)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// priorityQueue is a min-priority queue of (piece index, rarity) pairs,
// used by the rarest-first selection policy to repeatedly extract the
// scarcest eligible piece without re-scanning the full candidate set.
type priorityQueue struct {
	h itemHeap
}

// newPriorityQueue builds a priorityQueue seeded with pieces and their
// rarity counts.
func newPriorityQueue(pieces []int, priorityOf func(int) int) *priorityQueue {
	h := make(itemHeap, len(pieces))
	for i, p := range pieces {
		h[i] = &item{value: p, priority: priorityOf(p), index: i}
	}
	heap.Init(&h)
	return &priorityQueue{h: h}
}

// Len returns the number of items remaining in the queue.
func (pq *priorityQueue) Len() int {
	return pq.h.Len()
}

// Pop removes and returns the piece index with the lowest rarity count.
func (pq *priorityQueue) Pop() (int, error) {
	if pq.h.Len() == 0 {
		return 0, errors.New("piece: priority queue is empty")
	}
	it := heap.Pop(&pq.h).(*item)
	return it.value, nil
}
