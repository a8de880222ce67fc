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
	"fmt"

	"github.com/kraken-torrent/corebt/internal/bencode"
)

// MessageKind is the KRPC message variant ("q", "r", "e").
type MessageKind string

// The three KRPC message kinds.
const (
	KindQuery    MessageKind = "q"
	KindResponse MessageKind = "r"
	KindError    MessageKind = "e"
)

// Query method names.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Error codes, per BEP 5.
const (
	ErrGeneric       = 201
	ErrServer        = 202
	ErrProtocol      = 203
	ErrMethodUnknown = 204
)

// Query is a decoded KRPC query ("q").
type Query struct {
	TxID   string
	Method string
	Args   map[string]bencode.Value
}

// Response is a decoded KRPC response ("r").
type Response struct {
	TxID   string
	Fields map[string]bencode.Value
}

// ErrorMsg is a decoded KRPC error ("e").
type ErrorMsg struct {
	TxID    string
	Code    int64
	Message string
}

// EncodeQuery builds a bencoded KRPC query message.
func EncodeQuery(txID, method string, args map[string]bencode.Value) []byte {
	return bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"t": bencode.NewString([]byte(txID)),
		"y": bencode.NewString([]byte(KindQuery)),
		"q": bencode.NewString([]byte(method)),
		"a": bencode.NewDict(args),
	}))
}

// EncodeResponse builds a bencoded KRPC response message.
func EncodeResponse(txID string, fields map[string]bencode.Value) []byte {
	return bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"t": bencode.NewString([]byte(txID)),
		"y": bencode.NewString([]byte(KindResponse)),
		"r": bencode.NewDict(fields),
	}))
}

// EncodeError builds a bencoded KRPC error message.
func EncodeError(txID string, code int64, message string) []byte {
	return bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"t": bencode.NewString([]byte(txID)),
		"y": bencode.NewString([]byte(KindError)),
		"e": bencode.NewList([]bencode.Value{
			bencode.NewInt(code),
			bencode.NewString([]byte(message)),
		}),
	}))
}

// DecodeMessage inspects raw and dispatches to the matching decoded type.
// Exactly one of the three return values is non-nil.
func DecodeMessage(raw []byte) (*Query, *Response, *ErrorMsg, error) {
	v, err := bencode.DecodeAll(raw)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dht: decode krpc message: %w", err)
	}
	txIDBytes, err := v.GetString("t")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dht: krpc message missing t: %w", err)
	}
	txID := string(txIDBytes)

	kind, err := v.GetString("y")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dht: krpc message missing y: %w", err)
	}

	switch MessageKind(kind) {
	case KindQuery:
		method, err := v.GetString("q")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dht: query missing q: %w", err)
		}
		args, err := v.GetDict("a")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dht: query missing a: %w", err)
		}
		return &Query{TxID: txID, Method: string(method), Args: args.Dict()}, nil, nil, nil

	case KindResponse:
		fields, err := v.GetDict("r")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dht: response missing r: %w", err)
		}
		return nil, &Response{TxID: txID, Fields: fields.Dict()}, nil, nil

	case KindError:
		list, err := v.GetList("e")
		if err != nil || len(list) != 2 {
			return nil, nil, nil, fmt.Errorf("dht: malformed error list")
		}
		return nil, nil, &ErrorMsg{TxID: txID, Code: list[0].Int(), Message: list[1].Str()}, nil

	default:
		return nil, nil, nil, fmt.Errorf("dht: unknown message kind %q", kind)
	}
}
