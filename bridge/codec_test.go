// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/Query-farm/starbridge/bridge"
	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func TestEncodeMessageWireBytes(t *testing.T) {
	b, err := bridge.EncodeMessage(bridge.Message{Command: bridge.CmdDone})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	// fixmap(1) "cm" "done"
	want := []byte{0x81, 0xa2, 'c', 'm', 0xa4, 'd', 'o', 'n', 'e'}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("wire bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []bridge.Message{
		{Command: bridge.CmdReady, Data: starlark.MakeInt(4242)},
		{Command: bridge.CmdExec, Data: starlark.String("x = 1\ny = 2")},
		{Command: bridge.CmdCall, Func: "make_range", ID: 7, HasID: true},
		{Command: bridge.CmdStep, ID: 1, HasID: true},
		{Command: bridge.CmdStop},
	}
	for _, m := range msgs {
		t.Run(m.Command, func(t *testing.T) {
			b, err := bridge.EncodeMessage(m)
			if err != nil {
				t.Fatalf("EncodeMessage: %v", err)
			}
			got, err := bridge.DecodeMessage(b)
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if got.Command != m.Command || got.Func != m.Func || got.ID != m.ID || got.HasID != m.HasID {
				t.Errorf("got %+v, want %+v", got, m)
			}
			if (m.Data == nil) != (got.Data == nil) {
				t.Fatalf("data presence: got %v, want %v", got.Data, m.Data)
			}
			if m.Data != nil {
				if eq, err := starlark.Equal(got.Data, m.Data); err != nil || !eq {
					t.Errorf("data = %v, want %v", got.Data, m.Data)
				}
			}
		})
	}
}

func TestDecodeSkipsUnknownKeys(t *testing.T) {
	d := starlark.NewDict(3)
	d.SetKey(starlark.String("trace"), starlark.NewList([]starlark.Value{starlark.MakeInt(1)}))
	d.SetKey(starlark.String("cm"), starlark.String("eval"))
	d.SetKey(starlark.String("dt"), starlark.String("1 + 1"))
	b, err := bridge.EncodeValue(d)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	m, err := bridge.DecodeMessage(b)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if m.Command != bridge.CmdEval || m.Data != starlark.String("1 + 1") {
		t.Errorf("got %+v", m)
	}
}

func TestDecodeFailures(t *testing.T) {
	noCommand := starlark.NewDict(1)
	noCommand.SetKey(starlark.String("dt"), starlark.String("x"))
	noCommandBytes, err := bridge.EncodeValue(noCommand)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"not a map", []byte{0x93, 1, 2, 3}, bridge.ErrCodec},
		{"reserved code", []byte{0xc1}, bridge.ErrCodec},
		{"truncated", []byte{0x81, 0xa2, 'c'}, bridge.ErrCodec},
		{"missing command", noCommandBytes, bridge.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bridge.DecodeMessage(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeMessage error = %v, want %v category", err, tt.want.(*bridge.Fault).Category)
			}
		})
	}
}

func roundTrip(t *testing.T, v starlark.Value) starlark.Value {
	t.Helper()
	b, err := bridge.EncodeValue(v)
	if err != nil {
		t.Fatalf("EncodeValue(%v): %v", v, err)
	}
	got, err := bridge.DecodeValue(b)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	return got
}

func TestDictKeyOrderPreserved(t *testing.T) {
	d := starlark.NewDict(3)
	for _, k := range []string{"zeta", "alpha", "mid"} {
		d.SetKey(starlark.String(k), starlark.String(k))
	}
	got, ok := roundTrip(t, d).(*starlark.Dict)
	if !ok {
		t.Fatalf("decoded %T, want *starlark.Dict", got)
	}
	var keys []string
	for _, k := range got.Keys() {
		keys = append(keys, string(k.(starlark.String)))
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, keys); diff != "" {
		t.Errorf("key order mismatch (-want +got):\n%s", diff)
	}
}

func TestTupleDecodesAsList(t *testing.T) {
	got := roundTrip(t, starlark.Tuple{starlark.MakeInt(1), starlark.String("a")})
	l, ok := got.(*starlark.List)
	if !ok || l.Len() != 2 {
		t.Fatalf("decoded %v (%T), want a two-element list", got, got)
	}
}

func TestSetRoundTrip(t *testing.T) {
	s := starlark.NewSet(2)
	s.Insert(starlark.MakeInt(1))
	s.Insert(starlark.String("two"))
	got, ok := roundTrip(t, s).(*starlark.Set)
	if !ok {
		t.Fatalf("decoded %T, want *starlark.Set", got)
	}
	if eq, err := starlark.Equal(got, s); err != nil || !eq {
		t.Errorf("got %v, want %v", got, s)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := starlarkstruct.FromStringDict(starlark.String("Point"), starlark.StringDict{
		"x": starlark.MakeInt(3),
		"y": starlark.Float(4.5),
	})
	got, ok := roundTrip(t, rec).(*starlarkstruct.Struct)
	if !ok {
		t.Fatalf("decoded %T, want *starlarkstruct.Struct", got)
	}
	if got.Constructor() != starlark.String("Point") {
		t.Errorf("constructor = %v, want Point", got.Constructor())
	}
	y, err := got.Attr("y")
	if err != nil || y != starlark.Float(4.5) {
		t.Errorf("y = %v (%v), want 4.5", y, err)
	}
}

// Records carry no field order; fields are sent sorted by name.
func TestRecordFieldsSortedByName(t *testing.T) {
	data := starlark.NewList([]starlark.Value{
		starlark.NewList([]starlark.Value{starlark.String("y"), starlark.MakeInt(2)}),
		starlark.NewList([]starlark.Value{starlark.String("x"), starlark.MakeInt(1)}),
	})
	wire := starlark.NewDict(2)
	wire.SetKey(starlark.String("___type"), starlark.String("Point"))
	wire.SetKey(starlark.String("___data"), data)

	rec := roundTrip(t, wire)
	if _, ok := rec.(*starlarkstruct.Struct); !ok {
		t.Fatalf("decoded %T, want *starlarkstruct.Struct", rec)
	}
	b, err := bridge.EncodeValue(rec)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	var got struct {
		Type string  `msgpack:"___type"`
		Data [][]any `msgpack:"___data"`
	}
	if err := msgpack.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	var names []string
	for _, pair := range got.Data {
		names = append(names, pair[0].(string))
	}
	if got.Type != "Point" {
		t.Errorf("type = %q, want Point", got.Type)
	}
	if diff := cmp.Diff([]string{"x", "y"}, names); diff != "" {
		t.Errorf("field order mismatch (-want +got):\n%s", diff)
	}
}

func TestIntegerRange(t *testing.T) {
	maxUint := new(big.Int).SetUint64(^uint64(0))
	for _, v := range []starlark.Int{
		starlark.MakeInt64(-1 << 63),
		starlark.MakeInt64(1<<63 - 1),
		starlark.MakeBigInt(maxUint),
	} {
		got := roundTrip(t, v)
		if eq, err := starlark.Equal(got, v); err != nil || !eq {
			t.Errorf("round trip of %v = %v", v, got)
		}
	}
}

func TestUnencodableValues(t *testing.T) {
	tooBig := starlark.MakeBigInt(new(big.Int).Lsh(big.NewInt(1), 70))
	nested := starlark.NewList(nil)
	nested.Append(nested)

	tests := []struct {
		name string
		v    starlark.Value
	}{
		{"builtin", starlark.NewBuiltin("f", nil)},
		{"int beyond 64 bits", tooBig},
		{"cyclic list", nested},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bridge.EncodeMessage(bridge.Message{Command: bridge.CmdRes, Data: tt.v})
			if !errors.Is(err, bridge.ErrUnencodable) {
				t.Errorf("EncodeMessage error = %v, want ErrUnencodable", err)
			}
		})
	}
}
