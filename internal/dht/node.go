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

// Package dht implements a Kademlia-style distributed hash table for
// trackerless peer discovery: a 160-bit routing table, the KRPC wire
// protocol, the token protocol for announce_peer, and iterative lookups.
package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
)

// IDLength is the size of a DHT node id, in bytes (160 bits).
const IDLength = 20

// ID is a 160-bit Kademlia node or info-hash identifier.
type ID [IDLength]byte

// RandomID generates a cryptographically random ID, suitable for our own
// node id or for a lookup target falling within a bucket's range.
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// IDFromBytes copies raw into an ID. Panics if raw is not exactly IDLength
// bytes.
func IDFromBytes(raw []byte) ID {
	if len(raw) != IDLength {
		panic(fmt.Sprintf("dht: id must be %d bytes, got %d", IDLength, len(raw)))
	}
	var id ID
	copy(id[:], raw)
	return id
}

// Bytes returns the raw byte representation of id.
func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR distance between id and other.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less reports whether id is numerically less than other, treating both as
// big-endian 160-bit integers. Used to order nodes by XOR distance to a
// target.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// BucketIndex returns the bit-position (0..159) of the highest set bit of
// id's XOR distance to other, i.e. which k-bucket other belongs to in a
// routing table centered on id. Returns -1 if id == other.
func (id ID) BucketIndex(other ID) int {
	d := id.Distance(other)
	for byteIdx := 0; byteIdx < IDLength; byteIdx++ {
		b := d[byteIdx]
		if b == 0 {
			continue
		}
		bit := 7
		for ; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				break
			}
		}
		return (IDLength-1-byteIdx)*8 + bit
	}
	return -1
}

// Node is a single known peer in the DHT.
type Node struct {
	ID   ID
	IP   net.IP
	Port uint16
}

func (n Node) String() string {
	return fmt.Sprintf("Node(%s @ %s:%d)", n.ID, n.IP, n.Port)
}

// CompactNode encodes n as a 26-byte compact node record: 20-byte id, 4-byte
// IPv4, 2-byte big-endian port.
func CompactNode(n Node) []byte {
	b := make([]byte, 26)
	copy(b[0:20], n.ID.Bytes())
	ip4 := n.IP.To4()
	copy(b[20:24], ip4)
	b[24] = byte(n.Port >> 8)
	b[25] = byte(n.Port)
	return b
}

// ParseCompactNodes unpacks a string of concatenated 26-byte compact node
// records.
func ParseCompactNodes(raw []byte) ([]Node, error) {
	if len(raw)%26 != 0 {
		return nil, fmt.Errorf("dht: compact nodes length %d not a multiple of 26", len(raw))
	}
	n := len(raw) / 26
	nodes := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		b := raw[i*26 : i*26+26]
		nodes = append(nodes, Node{
			ID:   IDFromBytes(b[0:20]),
			IP:   net.IPv4(b[20], b[21], b[22], b[23]),
			Port: uint16(b[24])<<8 | uint16(b[25]),
		})
	}
	return nodes, nil
}

// CompactPeer encodes a 6-byte compact peer record: 4-byte IPv4, 2-byte
// big-endian port.
func CompactPeer(ip net.IP, port uint16) []byte {
	b := make([]byte, 6)
	ip4 := ip.To4()
	copy(b[0:4], ip4)
	b[4] = byte(port >> 8)
	b[5] = byte(port)
	return b
}

// ParseCompactPeer unpacks a single 6-byte compact peer record.
func ParseCompactPeer(raw []byte) (net.IP, uint16, error) {
	if len(raw) != 6 {
		return nil, 0, fmt.Errorf("dht: compact peer length must be 6, got %d", len(raw))
	}
	ip := net.IPv4(raw[0], raw[1], raw[2], raw[3])
	port := uint16(raw[4])<<8 | uint16(raw[5])
	return ip, port, nil
}
