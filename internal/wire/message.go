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

// Package wire implements the BitTorrent peer wire protocol: the 68-byte
// handshake and the length-prefixed framed messages exchanged afterward.
// All multi-byte integers are big-endian.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// MessageType identifies a framed message's payload shape.
type MessageType uint8

// Message type ids, per the peer wire protocol.
const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9

	SuggestPiece MessageType = 13
	HaveAll      MessageType = 14
	HaveNone     MessageType = 15
	RejectReq    MessageType = 16
	AllowedFast  MessageType = 17

	Extended MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case SuggestPiece:
		return "suggest_piece"
	case HaveAll:
		return "have_all"
	case HaveNone:
		return "have_none"
	case RejectReq:
		return "reject_request"
	case AllowedFast:
		return "allowed_fast"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// MaxFrameLength is the largest accepted frame payload, including the
// 1-byte type id. Frames advertising a larger length close the connection.
const MaxFrameLength = 256 * 1024

// RequestBlockSize is the fixed block size used for REQUEST/PIECE/CANCEL
// messages.
const RequestBlockSize = 16 * 1024

// Message is a decoded framed message. A zero-length frame (keep-alive) is
// represented by KeepAlive being true; all other fields are then
// meaningless.
type Message struct {
	KeepAlive bool
	Type      MessageType
	Payload   []byte
}

// KeepAliveMessage is the length-0 keep-alive frame.
func KeepAliveMessage() Message {
	return Message{KeepAlive: true}
}

// HaveMessage builds a HAVE message for pieceIndex.
func HaveMessage(pieceIndex uint32) Message {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], pieceIndex)
	return Message{Type: Have, Payload: payload[:]}
}

// BitfieldMessage builds a BITFIELD message carrying the packed bit array.
func BitfieldMessage(packed []byte) Message {
	return Message{Type: Bitfield, Payload: packed}
}

// RequestMessage builds a REQUEST message.
func RequestMessage(piece, offset, length uint32) Message {
	return Message{Type: Request, Payload: encodeBlockHeader(piece, offset, length)}
}

// CancelMessage builds a CANCEL message.
func CancelMessage(piece, offset, length uint32) Message {
	return Message{Type: Cancel, Payload: encodeBlockHeader(piece, offset, length)}
}

// RejectMessage builds a REJECT_REQUEST (Fast Extension) message.
func RejectMessage(piece, offset, length uint32) Message {
	return Message{Type: RejectReq, Payload: encodeBlockHeader(piece, offset, length)}
}

// PieceMessage builds a PIECE message delivering data for the block at
// (piece, offset).
func PieceMessage(piece, offset uint32, data []byte) Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], piece)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	copy(payload[8:], data)
	return Message{Type: Piece, Payload: payload}
}

// PortMessage builds a PORT message announcing the sender's DHT port.
func PortMessage(port uint16) Message {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], port)
	return Message{Type: Port, Payload: payload[:]}
}

// SimpleMessage builds a message with no payload (CHOKE, UNCHOKE,
// INTERESTED, NOT_INTERESTED, HAVE_ALL, HAVE_NONE).
func SimpleMessage(t MessageType) Message {
	return Message{Type: t}
}

// ExtendedMessage builds an EXTENDED envelope: a 1-byte extension id
// followed by a bencoded payload (already encoded by the caller).
func ExtendedMessage(extID uint8, bencodedPayload []byte) Message {
	payload := make([]byte, 1+len(bencodedPayload))
	payload[0] = extID
	copy(payload[1:], bencodedPayload)
	return Message{Type: Extended, Payload: payload}
}

func encodeBlockHeader(piece, offset, length uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], piece)
	binary.BigEndian.PutUint32(b[4:8], offset)
	binary.BigEndian.PutUint32(b[8:12], length)
	return b
}

// BlockHeader decodes the (piece, offset, length) triple carried by
// REQUEST, CANCEL, and REJECT_REQUEST payloads.
func BlockHeader(payload []byte) (piece, offset, length uint32, err error) {
	if len(payload) < 12 {
		return 0, 0, 0, fmt.Errorf("wire: block header payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12]),
		nil
}

// PieceHeader decodes the (piece, offset) pair and returns the remaining
// data slice from a PIECE payload.
func PieceHeader(payload []byte) (piece, offset uint32, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: piece header payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		payload[8:],
		nil
}

// HaveIndex decodes a HAVE payload's piece index.
func HaveIndex(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("wire: have payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]), nil
}

// PortValue decodes a PORT payload's port number.
func PortValue(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("wire: port payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), nil
}

// WriteMessage frames and writes m to nc.
func WriteMessage(nc net.Conn, m Message) error {
	if m.KeepAlive {
		return binary.Write(nc, binary.BigEndian, uint32(0))
	}
	length := uint32(1 + len(m.Payload))
	if err := binary.Write(nc, binary.BigEndian, length); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := nc.Write([]byte{byte(m.Type)}); err != nil {
		return fmt.Errorf("wire: write type: %w", err)
	}
	if len(m.Payload) > 0 {
		if _, err := nc.Write(m.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// WriteMessageWithTimeout is WriteMessage with a write deadline set first.
func WriteMessageWithTimeout(nc net.Conn, m Message, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	return WriteMessage(nc, m)
}

// ReadMessage reads and decodes the next framed message from nc, rejecting
// any frame whose declared length exceeds MaxFrameLength.
func ReadMessage(nc net.Conn) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAliveMessage(), nil
	}
	if length > MaxFrameLength {
		return Message{}, fmt.Errorf("wire: frame length %d exceeds max %d", length, MaxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(nc, body); err != nil {
		return Message{}, fmt.Errorf("wire: read body: %w", err)
	}
	return Message{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

// ReadMessageWithTimeout is ReadMessage with a read deadline set first.
func ReadMessageWithTimeout(nc net.Conn, timeout time.Duration) (Message, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Message{}, fmt.Errorf("wire: set read deadline: %w", err)
	}
	return ReadMessage(nc)
}
