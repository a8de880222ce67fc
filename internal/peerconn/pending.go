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
package peerconn

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// BlockKey identifies a block request by (piece, offset).
type BlockKey struct {
	Piece  int
	Offset int64
}

// PendingRequest tracks one in-flight outbound REQUEST or served upload.
type PendingRequest struct {
	Piece    int
	Offset   int64
	Length   int64
	IssuedAt time.Time
}

// RequestTimeout is the deadline after which a pending request is
// considered expired and must be reassigned.
const RequestTimeout = 30 * time.Second

// DefaultPipelineLimit is the default number of in-flight REQUESTs allowed
// per peer.
const DefaultPipelineLimit = 10

// PendingRequests is thread-safe bookkeeping for one peer's outbound block
// requests.
type PendingRequests struct {
	mu            sync.Mutex
	clk           clock.Clock
	pipelineLimit int
	byKey         map[BlockKey]*PendingRequest
}

// NewPendingRequests creates an empty PendingRequests using clk for
// timeout bookkeeping.
func NewPendingRequests(clk clock.Clock, pipelineLimit int) *PendingRequests {
	if pipelineLimit <= 0 {
		pipelineLimit = DefaultPipelineLimit
	}
	return &PendingRequests{
		clk:           clk,
		pipelineLimit: pipelineLimit,
		byKey:         make(map[BlockKey]*PendingRequest),
	}
}

// Quota returns how many additional requests may be issued before hitting
// the pipeline limit, counting only non-expired pending requests.
func (p *PendingRequests) Quota() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	now := p.clk.Now()
	for _, r := range p.byKey {
		if now.Before(r.IssuedAt.Add(RequestTimeout)) {
			n++
		}
	}
	quota := p.pipelineLimit - n
	if quota < 0 {
		quota = 0
	}
	return quota
}

// Add records a newly issued request.
func (p *PendingRequests) Add(piece int, offset, length int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey[BlockKey{Piece: piece, Offset: offset}] = &PendingRequest{
		Piece: piece, Offset: offset, Length: length, IssuedAt: p.clk.Now(),
	}
}

// Remove clears the pending request matching (piece, offset), e.g. on
// PIECE delivery or CANCEL.
func (p *PendingRequests) Remove(piece int, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byKey, BlockKey{Piece: piece, Offset: offset})
}

// ClearAll drops every pending request, as required on receipt of CHOKE.
func (p *PendingRequests) ClearAll() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	cleared := make([]PendingRequest, 0, len(p.byKey))
	for _, r := range p.byKey {
		cleared = append(cleared, *r)
	}
	p.byKey = make(map[BlockKey]*PendingRequest)
	return cleared
}

// Expired returns every pending request whose deadline has passed.
func (p *PendingRequests) Expired() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clk.Now()
	var expired []PendingRequest
	for _, r := range p.byKey {
		if now.After(r.IssuedAt.Add(RequestTimeout)) {
			expired = append(expired, *r)
		}
	}
	return expired
}

// RemoveForPiece clears and returns every pending request for piece,
// regardless of offset. Used to cancel the losing side of an endgame race
// once some other peer's block completes the piece first.
func (p *PendingRequests) RemoveForPiece(piece int) []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []PendingRequest
	for k, r := range p.byKey {
		if k.Piece == piece {
			removed = append(removed, *r)
			delete(p.byKey, k)
		}
	}
	return removed
}

// Len returns the number of currently tracked pending requests, expired or
// not.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}
