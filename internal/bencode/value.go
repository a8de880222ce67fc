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
package bencode

import "fmt"

// Kind enumerates bencode's four value variants.
type Kind int

// The four bencode value variants.
const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}

// Span records the exact byte range [Start, End) a Dict value was decoded
// from in the original source buffer, including the leading 'd' and trailing
// 'e'. This is what lets a torrent's info-fingerprint be computed over the
// original encoded bytes rather than a re-encoding, which would not
// necessarily be byte-identical (e.g. a non-canonical original encoding).
type Span struct {
	Start, End int64
}

// Value is a decoded bencode value: exactly one of an int64, a byte string,
// an ordered list of Values, or a map from byte-string keys to Values.
type Value struct {
	kind Kind
	i    int64
	s    []byte
	l    []Value
	d    map[string]Value
	keys []string // insertion order as decoded; encode always sorts regardless
	span Span     // only meaningful when kind == KindDict
}

// NewInt constructs an integer Value.
func NewInt(n int64) Value {
	return Value{kind: KindInt, i: n}
}

// NewString constructs a byte-string Value.
func NewString(s []byte) Value {
	cp := append([]byte(nil), s...)
	return Value{kind: KindString, s: cp}
}

// NewList constructs a list Value.
func NewList(vs []Value) Value {
	return Value{kind: KindList, l: vs}
}

// NewDict constructs a dict Value from keys and values in map-key order. The
// returned Value has a zero Span; use decode to obtain a real Span.
func NewDict(m map[string]Value) Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return Value{kind: KindDict, d: m, keys: keys}
}

// Kind returns v's variant.
func (v Value) Kind() Kind { return v.kind }

// Int returns v's integer value. Panics if v is not a KindInt.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		panic(&TypeError{Expected: "integer", Got: v.kind.String()})
	}
	return v.i
}

// Bytes returns v's raw string bytes. Panics if v is not a KindString.
func (v Value) Bytes() []byte {
	if v.kind != KindString {
		panic(&TypeError{Expected: "string", Got: v.kind.String()})
	}
	return v.s
}

// Str is a convenience wrapper around Bytes for values known to hold UTF-8
// text.
func (v Value) Str() string {
	return string(v.Bytes())
}

// List returns v's elements. Panics if v is not a KindList.
func (v Value) List() []Value {
	if v.kind != KindList {
		panic(&TypeError{Expected: "list", Got: v.kind.String()})
	}
	return v.l
}

// Dict returns v's map. Panics if v is not a KindDict.
func (v Value) Dict() map[string]Value {
	if v.kind != KindDict {
		panic(&TypeError{Expected: "dict", Got: v.kind.String()})
	}
	return v.d
}

// Span returns the exact source byte range v was decoded from. Only valid
// for KindDict values produced by Decode; zero value otherwise.
func (v Value) Span() Span {
	return v.span
}

// Get looks up key in a dict Value, returning ok=false if v is not a dict or
// the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	val, ok := v.d[key]
	return val, ok
}

// GetString looks up key and returns its bytes, erroring if absent or of the
// wrong kind.
func (v Value) GetString(key string) ([]byte, error) {
	val, ok := v.Get(key)
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	if val.kind != KindString {
		return nil, fmt.Errorf("bencode: key %q: %w", key, &TypeError{Expected: "string", Got: val.kind.String()})
	}
	return val.s, nil
}

// GetInt looks up key and returns its integer value, erroring if absent or
// of the wrong kind.
func (v Value) GetInt(key string) (int64, error) {
	val, ok := v.Get(key)
	if !ok {
		return 0, fmt.Errorf("bencode: missing key %q", key)
	}
	if val.kind != KindInt {
		return 0, fmt.Errorf("bencode: key %q: %w", key, &TypeError{Expected: "integer", Got: val.kind.String()})
	}
	return val.i, nil
}

// GetList looks up key and returns its elements, erroring if absent or of
// the wrong kind.
func (v Value) GetList(key string) ([]Value, error) {
	val, ok := v.Get(key)
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	if val.kind != KindList {
		return nil, fmt.Errorf("bencode: key %q: %w", key, &TypeError{Expected: "list", Got: val.kind.String()})
	}
	return val.l, nil
}

// GetDict looks up key and returns the dict Value itself (so the caller
// can retrieve both its map, via Dict, and its Span), erroring if absent
// or of the wrong kind.
func (v Value) GetDict(key string) (Value, error) {
	val, ok := v.Get(key)
	if !ok {
		return Value{}, fmt.Errorf("bencode: missing key %q", key)
	}
	if val.kind != KindDict {
		return Value{}, fmt.Errorf("bencode: key %q: %w", key, &TypeError{Expected: "dict", Got: val.kind.String()})
	}
	return val, nil
}

// Equal reports whether v and o represent the same bencode value, ignoring
// Span. Used by round-trip tests.
func Equal(v, o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindString:
		return string(v.s) == string(o.s)
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !Equal(v.l[i], o.l[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.d) != len(o.d) {
			return false
		}
		for k, vv := range v.d {
			ov, ok := o.d[k]
			if !ok || !Equal(vv, ov) {
				return false
			}
		}
		return true
	}
	return false
}
