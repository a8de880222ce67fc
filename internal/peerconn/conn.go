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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/core"
	"github.com/kraken-torrent/corebt/internal/wire"
)

// KeepAliveInterval is how often a Conn sends a zero-length frame if no
// other outbound traffic has occurred.
const KeepAliveInterval = 120 * time.Second

// InactivityTimeout is how long a Conn may go without receiving any
// message before the coordinator should consider it dead.
const InactivityTimeout = 60 * time.Second

// Events notifies a Conn's owner of lifecycle transitions.
type Events interface {
	ConnClosed(*Conn)
}

// Config bounds a Conn's internal channel buffering.
type Config struct {
	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`
	PipelineLimit      int `yaml:"pipeline_limit"`
}

func (c Config) applyDefaults() Config {
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 10
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 10
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = DefaultPipelineLimit
	}
	return c
}

// Conn manages one established peer connection: the choke/interest state
// machine, pending-request bookkeeping, and the sender/receiver goroutines
// that frame wire.Messages onto the socket.
type Conn struct {
	peerID          core.PeerID
	infoFingerprint core.Fingerprint
	createdAt       time.Time

	State    *State
	Requests *PendingRequests
	PeerHave *bitset.BitSet

	// AllowedFast is the set of piece indices the peer has told us (via
	// ALLOWED_FAST) we may request even while choked, per BEP 6.
	AllowedFast *bitset.BitSet
	// Suggested is the set of piece indices the peer has hinted (via
	// SUGGEST_PIECE) we should prefer requesting next, per BEP 6.
	Suggested *bitset.BitSet

	extensionProtocol bool

	events Events

	nc     net.Conn
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	openedByRemote bool

	mu           sync.Mutex
	lastSentAt   time.Time
	lastRecvAt   time.Time
	gotBitfield  bool

	startOnce sync.Once

	sender   chan wire.Message
	receiver chan wire.Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New wraps an established, post-handshake connection.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	nc net.Conn,
	remotePeerID core.PeerID,
	infoFingerprint core.Fingerprint,
	numPieces int,
	extensionProtocol bool,
	openedByRemote bool,
	logger *zap.SugaredLogger) *Conn {

	config = config.applyDefaults()

	c := &Conn{
		peerID:            remotePeerID,
		infoFingerprint:   infoFingerprint,
		createdAt:         clk.Now(),
		State:             NewState(),
		Requests:          NewPendingRequests(clk, config.PipelineLimit),
		PeerHave:          bitset.New(uint(numPieces)),
		AllowedFast:       bitset.New(uint(numPieces)),
		Suggested:         bitset.New(uint(numPieces)),
		extensionProtocol: extensionProtocol,
		events:            events,
		nc:                nc,
		config:            config,
		clk:               clk,
		stats:             stats.Tagged(map[string]string{"module": "peerconn"}),
		logger:            logger.With("remote_peer", remotePeerID, "hash", infoFingerprint),
		openedByRemote:    openedByRemote,
		sender:            make(chan wire.Message, config.SenderBufferSize),
		receiver:          make(chan wire.Message, config.ReceiverBufferSize),
		closed:            atomic.NewBool(false),
		done:              make(chan struct{}),
	}
	return c
}

// SupportsExtensionProtocol reports whether the peer advertised BEP 10
// extension protocol support in its handshake reserved bits.
func (c *Conn) SupportsExtensionProtocol() bool {
	return c.extensionProtocol
}

// CanRequestPiece reports whether piece i may be requested right now: either
// we are unchoked, or the peer has explicitly fast-allowed that piece.
func (c *Conn) CanRequestPiece(i int) bool {
	if c.State.CanDownload() {
		return true
	}
	return c.AllowedFast.Test(uint(i))
}

// Start launches the read and write goroutines. Safe to call multiple
// times; only the first call has effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer's identifier.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, opened_by_remote=%t)", c.peerID, c.openedByRemote)
}

// RemoteAddr returns the underlying socket's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send enqueues msg for writing. Returns an error if the connection is
// closed or the send buffer is full.
func (c *Conn) Send(msg wire.Message) error {
	if c.closed.Load() {
		return errors.New("peerconn: connection closed")
	}
	select {
	case <-c.done:
		return errors.New("peerconn: connection closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Counter("dropped_messages").Inc(1)
		return errors.New("peerconn: send buffer full")
	}
}

// Receiver returns a channel of inbound messages. Closed when the
// connection closes.
func (c *Conn) Receiver() <-chan wire.Message {
	return c.receiver
}

// Close begins the shutdown sequence. Safe to call multiple times.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// LastRecvAt returns the time of the most recently received message.
func (c *Conn) LastRecvAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecvAt
}

// Idle reports whether no message has been received within
// InactivityTimeout.
func (c *Conn) Idle() bool {
	return c.clk.Now().Sub(c.LastRecvAt()) > InactivityTimeout
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := wire.ReadMessage(c.nc)
			if err != nil {
				c.logger.Infof("peerconn: read error, closing: %s", err)
				return
			}
			if err := c.applyIncoming(msg); err != nil {
				c.logger.Infof("peerconn: protocol error, closing: %s", err)
				return
			}
			c.mu.Lock()
			c.lastRecvAt = c.clk.Now()
			c.mu.Unlock()
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

// applyIncoming updates local state in reaction to msg before it is handed
// off to the receiver channel: choke/interest flags, the peer's have
// vector, and clearing our pending requests on CHOKE.
func (c *Conn) applyIncoming(msg wire.Message) error {
	if msg.KeepAlive {
		return nil
	}
	switch msg.Type {
	case wire.Choke:
		c.State.SetPeerChoking(true)
		c.Requests.ClearAll()
	case wire.Unchoke:
		c.State.SetPeerChoking(false)
	case wire.Interested:
		c.State.SetPeerInterested(true)
	case wire.NotInterested:
		c.State.SetPeerInterested(false)
	case wire.Have:
		idx, err := wire.HaveIndex(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.PeerHave.Set(uint(idx))
		c.mu.Unlock()
	case wire.Bitfield:
		c.mu.Lock()
		if c.gotBitfield {
			c.mu.Unlock()
			return errors.New("peerconn: bitfield received after first message")
		}
		c.gotBitfield = true
		have, err := bitsetFromBytes(msg.Payload, c.PeerHave.Len())
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.PeerHave = have
		c.mu.Unlock()
	case wire.HaveAll:
		c.mu.Lock()
		if c.gotBitfield {
			c.mu.Unlock()
			return errors.New("peerconn: have_all received after first message")
		}
		c.gotBitfield = true
		for i := uint(0); i < c.PeerHave.Len(); i++ {
			c.PeerHave.Set(i)
		}
		c.mu.Unlock()
	case wire.HaveNone:
		c.mu.Lock()
		if c.gotBitfield {
			c.mu.Unlock()
			return errors.New("peerconn: have_none received after first message")
		}
		c.gotBitfield = true
		c.mu.Unlock()
	case wire.AllowedFast:
		idx, err := wire.HaveIndex(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.AllowedFast.Set(uint(idx))
		c.mu.Unlock()
	case wire.SuggestPiece:
		idx, err := wire.HaveIndex(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.Suggested.Set(uint(idx))
		c.mu.Unlock()
	case wire.Cancel, wire.Piece, wire.Request, wire.Port, wire.Extended, wire.RejectReq:
		// Left to the caller (coordinator/dispatcher) to interpret; no
		// local state to update here.
	}
	c.mu.Lock()
	if !c.gotBitfield {
		c.gotBitfield = true
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	ticker := c.clk.Ticker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := wire.WriteMessage(c.nc, msg); err != nil {
				c.logger.Infof("peerconn: write error, closing: %s", err)
				return
			}
			c.mu.Lock()
			c.lastSentAt = c.clk.Now()
			c.mu.Unlock()
		case <-ticker.C:
			c.mu.Lock()
			idle := c.clk.Now().Sub(c.lastSentAt) >= KeepAliveInterval
			c.mu.Unlock()
			if idle {
				if err := wire.WriteMessage(c.nc, wire.KeepAliveMessage()); err != nil {
					c.logger.Infof("peerconn: keep-alive write error, closing: %s", err)
					return
				}
			}
		}
	}
}

func bitsetFromBytes(packed []byte, numBits uint) (*bitset.BitSet, error) {
	b := bitset.New(numBits)
	for i := uint(0); i < numBits; i++ {
		byteIdx := i / 8
		if int(byteIdx) >= len(packed) {
			break
		}
		bitIdx := 7 - i%8
		if packed[byteIdx]&(1<<bitIdx) != 0 {
			b.Set(i)
		}
	}
	return b, nil
}

// PackBitfield renders have as the packed bit array used by the BITFIELD
// message: bit i of byte (i/8), MSB first.
func PackBitfield(have *bitset.BitSet, numPieces int) []byte {
	packed := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if have.Test(uint(i)) {
			packed[i/8] |= 1 << uint(7-i%8)
		}
	}
	return packed
}
