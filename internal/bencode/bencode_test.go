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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeValidScalars(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Value
	}{
		{"zero", "i0e", NewInt(0)},
		{"negative", "i-1e", NewInt(-1)},
		{"empty string", "0:", NewString(nil)},
		{"empty list", "le", NewList(nil)},
		{"empty dict", "de", NewDict(map[string]Value{})},
		{"positive string", "4:spam", NewString([]byte("spam"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			require.True(t, Equal(tt.want, got))
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"negative zero", "i-0e"},
		{"leading zero int", "i01e"},
		{"unterminated list", "l4:spam"},
		{"duplicate key", "d1:ai1e1:ai2ee"},
		{"unsorted keys", "d1:bi1e1:ai2ee"},
		{"truncated string", "5:abc"},
		{"bad length prefix", "01:a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
		})
	}
}

func TestDecodeListAndDict(t *testing.T) {
	v, err := Decode([]byte("l4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind())
	items := v.List()
	require.Len(t, items, 2)
	require.Equal(t, "spam", items[0].Str())
	require.Equal(t, "eggs", items[1].Str())

	v, err = Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind())
	cow, err := v.GetString("cow")
	require.NoError(t, err)
	require.Equal(t, "moo", string(cow))
}

func TestDictSpanCapturesExactSourceBytes(t *testing.T) {
	src := []byte("d4:infod6:lengthi16384eee")
	v, err := Decode(src)
	require.NoError(t, err)
	span := v.Span()
	require.Equal(t, src, src[span.Start:span.End])

	info, err := v.GetDict("info")
	require.NoError(t, err)
	infoSpan := info.Span()
	require.Equal(t, "d6:lengthi16384ee", string(src[infoSpan.Start:infoSpan.End]))
}

func TestEncodeCanonicalOrdering(t *testing.T) {
	v := NewDict(map[string]Value{
		"spam":   NewInt(3),
		"announce": NewString([]byte("http://tracker")),
		"aaa":    NewList([]Value{NewInt(1), NewInt(2)}),
	})
	got := Encode(v)
	// keys sorted byte-lexically: "aaa" < "announce" < "spam"
	want := "d3:aaali1ei2ee8:announce14:http://tracker4:spami3ee"
	require.Equal(t, want, string(got))
}

func TestRoundTripDecodeEncode(t *testing.T) {
	inputs := []string{
		"i0e",
		"i-12345e",
		"0:",
		"13:hello, world!",
		"le",
		"l4:spam4:eggsi42ee",
		"de",
		"d3:bar4:spam3:fooi42ee",
		"d4:infod6:lengthi16384e4:name4:demo12:piece lengthi16384eee",
	}
	for _, in := range inputs {
		v, err := DecodeAll([]byte(in))
		require.NoError(t, err, in)
		out := Encode(v)
		require.Equal(t, in, string(out), "round trip mismatch for %q", in)

		v2, err := DecodeAll(out)
		require.NoError(t, err)
		require.True(t, Equal(v, v2))
	}
}

func TestDecodeAllRejectsTrailingData(t *testing.T) {
	_, err := DecodeAll([]byte("i1e garbage"))
	require.Error(t, err)
}

func TestGetHelpersErrorOnWrongKind(t *testing.T) {
	v, err := Decode([]byte("d3:fooi1ee"))
	require.NoError(t, err)
	_, err = v.GetString("foo")
	require.Error(t, err)
	_, err = v.GetInt("missing")
	require.Error(t, err)
}
