// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxDepth bounds the nesting of encoded and decoded values. Cyclic graphs
// (a list containing itself) hit it rather than recursing forever.
const maxDepth = 256

// Message is the unit of exchange between worker and host.
type Message struct {
	Command string
	Data    starlark.Value // nil when the message carries no payload
	Func    string         // routine name, "call" only
	ID      uint64         // generator handle id, valid when HasID
	HasID   bool
}

// Codec converts messages to and from frame payloads.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(b []byte) (Message, error)
}

// MsgpackCodec is the MessagePack codec the host speaks.
type MsgpackCodec struct{}

// Encode implements Codec.
func (MsgpackCodec) Encode(m Message) ([]byte, error) {
	return EncodeMessage(m)
}

// Decode implements Codec.
func (MsgpackCodec) Decode(b []byte) (Message, error) {
	return DecodeMessage(b)
}

// EncodeMessage encodes m as a MessagePack map keyed by cm/dt/func/id.
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	n := 1
	if m.Data != nil {
		n++
	}
	if m.Func != "" {
		n++
	}
	if m.HasID {
		n++
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return nil, wrapFault(CategoryCodec, "EncodeError", err)
	}
	if err := encodePair(enc, KeyCommand, func() error { return enc.EncodeString(m.Command) }); err != nil {
		return nil, err
	}
	if m.Data != nil {
		if err := enc.EncodeString(KeyData); err != nil {
			return nil, wrapFault(CategoryCodec, "EncodeError", err)
		}
		if err := encodeValue(enc, m.Data, 0); err != nil {
			return nil, err
		}
	}
	if m.Func != "" {
		if err := encodePair(enc, KeyFunc, func() error { return enc.EncodeString(m.Func) }); err != nil {
			return nil, err
		}
	}
	if m.HasID {
		if err := encodePair(enc, KeyID, func() error { return enc.EncodeUint(m.ID) }); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodePair(enc *msgpack.Encoder, key string, value func() error) error {
	if err := enc.EncodeString(key); err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	if err := value(); err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	return nil
}

// EncodeValue encodes a single value.
func EncodeValue(v starlark.Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(msgpack.NewEncoder(&buf), v, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unencodable(format string, args ...any) *Fault {
	return newFault(CategoryUnencodable, "TypeError", format, args...)
}

func encodeValue(enc *msgpack.Encoder, v starlark.Value, depth int) error {
	if depth > maxDepth {
		return unencodable("value nested deeper than %d levels", maxDepth)
	}
	var err error
	switch v := v.(type) {
	case starlark.NoneType:
		err = enc.EncodeNil()
	case starlark.Bool:
		err = enc.EncodeBool(bool(v))
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			err = enc.EncodeInt(i)
		} else if u, ok := v.Uint64(); ok {
			err = enc.EncodeUint(u)
		} else {
			return unencodable("int %s does not fit in 64 bits", v.String())
		}
	case starlark.Float:
		err = enc.EncodeFloat64(float64(v))
	case starlark.String:
		err = enc.EncodeString(string(v))
	case starlark.Bytes:
		err = enc.EncodeBytes([]byte(v))
	case starlark.Tuple:
		return encodeArray(enc, v, depth)
	case *starlark.List:
		items := make([]starlark.Value, v.Len())
		for i := range items {
			items[i] = v.Index(i)
		}
		return encodeArray(enc, items, depth)
	case *starlark.Dict:
		items := v.Items()
		if err := enc.EncodeMapLen(len(items)); err != nil {
			return wrapFault(CategoryCodec, "EncodeError", err)
		}
		for _, kv := range items {
			if err := encodeValue(enc, kv[0], depth+1); err != nil {
				return err
			}
			if err := encodeValue(enc, kv[1], depth+1); err != nil {
				return err
			}
		}
		return nil
	case *starlark.Set:
		return encodeSet(enc, v, depth)
	case *starlarkstruct.Struct:
		return encodeRecord(enc, v, depth)
	default:
		return unencodable("value of type %s cannot be transmitted", v.Type())
	}
	if err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	return nil
}

func encodeArray(enc *msgpack.Encoder, items []starlark.Value, depth int) error {
	if err := enc.EncodeArrayLen(len(items)); err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	for _, item := range items {
		if err := encodeValue(enc, item, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// encodeSet writes {"___type": "set", "___set": [members...]}.
func encodeSet(enc *msgpack.Encoder, s *starlark.Set, depth int) error {
	members := make([]starlark.Value, 0, s.Len())
	it := s.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		members = append(members, x)
	}
	if err := enc.EncodeMapLen(2); err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	if err := encodePair(enc, markerType, func() error { return enc.EncodeString(setType) }); err != nil {
		return err
	}
	if err := enc.EncodeString(markerSet); err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	return encodeArray(enc, members, depth)
}

// encodeRecord writes {"___type": name, "___data": [[field, value], ...]}.
func encodeRecord(enc *msgpack.Encoder, s *starlarkstruct.Struct, depth int) error {
	name := recordName(s)
	fields := s.AttrNames()
	pairs := make([]starlark.Value, 0, len(fields))
	for _, field := range fields {
		v, err := s.Attr(field)
		if err != nil {
			return unencodable("record %s field %s: %v", name, field, err)
		}
		pairs = append(pairs, starlark.Tuple{starlark.String(field), v})
	}
	if err := enc.EncodeMapLen(2); err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	if err := encodePair(enc, markerType, func() error { return enc.EncodeString(name) }); err != nil {
		return err
	}
	if err := enc.EncodeString(markerData); err != nil {
		return wrapFault(CategoryCodec, "EncodeError", err)
	}
	return encodeArray(enc, pairs, depth)
}

func recordName(s *starlarkstruct.Struct) string {
	if name, ok := starlark.AsString(s.Constructor()); ok {
		return name
	}
	if c, ok := s.Constructor().(starlark.Callable); ok {
		return c.Name()
	}
	return s.Constructor().String()
}

// DecodeMessage decodes a frame payload into a Message. Unknown keys are
// skipped; a missing "cm" is a protocol fault.
func DecodeMessage(b []byte) (Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	var m Message
	n, err := dec.DecodeMapLen()
	if err != nil {
		return m, wrapFault(CategoryCodec, "DecodeError", err)
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return m, wrapFault(CategoryCodec, "DecodeError", err)
		}
		switch key {
		case KeyCommand:
			if m.Command, err = dec.DecodeString(); err != nil {
				return m, wrapFault(CategoryCodec, "DecodeError", err)
			}
		case KeyData:
			if m.Data, err = decodeValue(dec, 0); err != nil {
				return m, err
			}
		case KeyFunc:
			if m.Func, err = dec.DecodeString(); err != nil {
				return m, wrapFault(CategoryCodec, "DecodeError", err)
			}
		case KeyID:
			if m.ID, err = dec.DecodeUint64(); err != nil {
				return m, wrapFault(CategoryCodec, "DecodeError", err)
			}
			m.HasID = true
		default:
			if err := dec.Skip(); err != nil {
				return m, wrapFault(CategoryCodec, "DecodeError", err)
			}
		}
	}
	if m.Command == "" {
		return m, protocolFault("message has no %q field", KeyCommand)
	}
	return m, nil
}

// DecodeValue decodes a single value encoded by EncodeValue.
func DecodeValue(b []byte) (starlark.Value, error) {
	return decodeValue(msgpack.NewDecoder(bytes.NewReader(b)), 0)
}

func decodeValue(dec *msgpack.Decoder, depth int) (starlark.Value, error) {
	if depth > maxDepth {
		return nil, newFault(CategoryCodec, "DecodeError", "value nested deeper than %d levels", maxDepth)
	}
	c, err := dec.PeekCode()
	if err != nil {
		return nil, wrapFault(CategoryCodec, "DecodeError", err)
	}

	var v starlark.Value
	switch {
	case c == msgpcode.Nil:
		err = dec.DecodeNil()
		v = starlark.None
	case c == msgpcode.False || c == msgpcode.True:
		var b bool
		b, err = dec.DecodeBool()
		v = starlark.Bool(b)
	case c == msgpcode.Float || c == msgpcode.Double:
		var f float64
		f, err = dec.DecodeFloat64()
		v = starlark.Float(f)
	case msgpcode.IsFixedNum(c), c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		var i int64
		i, err = dec.DecodeInt64()
		v = starlark.MakeInt64(i)
	case c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		var u uint64
		u, err = dec.DecodeUint64()
		if u <= math.MaxInt64 {
			v = starlark.MakeInt64(int64(u))
		} else {
			v = starlark.MakeUint64(u)
		}
	case msgpcode.IsString(c):
		var s string
		s, err = dec.DecodeString()
		v = starlark.String(s)
	case msgpcode.IsBin(c):
		var b []byte
		b, err = dec.DecodeBytes()
		v = starlark.Bytes(b)
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		return decodeArray(dec, depth)
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return decodeMap(dec, depth)
	default:
		return nil, newFault(CategoryCodec, "DecodeError", "unsupported MessagePack code 0x%02x", c)
	}
	if err != nil {
		return nil, wrapFault(CategoryCodec, "DecodeError", err)
	}
	return v, nil
}

func decodeArray(dec *msgpack.Decoder, depth int) (*starlark.List, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, wrapFault(CategoryCodec, "DecodeError", err)
	}
	items := make([]starlark.Value, 0, max(n, 0))
	for i := 0; i < n; i++ {
		item, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return starlark.NewList(items), nil
}

// decodeMap decodes a mapping, reviving sets and records from their marker
// keys. Key order is preserved.
func decodeMap(dec *msgpack.Decoder, depth int) (starlark.Value, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, wrapFault(CategoryCodec, "DecodeError", err)
	}
	d := starlark.NewDict(max(n, 0))
	for i := 0; i < n; i++ {
		k, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, err
		}
		if err := d.SetKey(k, v); err != nil {
			return nil, newFault(CategoryCodec, "DecodeError", "map key %s: %v", k.String(), err)
		}
	}
	return reviveMarked(d)
}

func reviveMarked(d *starlark.Dict) (starlark.Value, error) {
	typ, found, _ := d.Get(starlark.String(markerType))
	if !found {
		return d, nil
	}
	name, ok := starlark.AsString(typ)
	if !ok {
		return d, nil
	}
	if members, found, _ := d.Get(starlark.String(markerSet)); found {
		items, ok := sequenceItems(members)
		if !ok {
			return nil, newFault(CategoryCodec, "DecodeError", "set members must be an array")
		}
		set := starlark.NewSet(len(items))
		for _, item := range items {
			if err := set.Insert(item); err != nil {
				return nil, newFault(CategoryCodec, "DecodeError", "set member %s: %v", item.String(), err)
			}
		}
		return set, nil
	}
	data, found, _ := d.Get(starlark.String(markerData))
	if !found {
		return d, nil
	}
	pairs, ok := sequenceItems(data)
	if !ok {
		return nil, newFault(CategoryCodec, "DecodeError", "record %s data must be an array", name)
	}
	fields := make(starlark.StringDict, len(pairs))
	for i, p := range pairs {
		kv, ok := sequenceItems(p)
		if !ok || len(kv) != 2 {
			return nil, newFault(CategoryCodec, "DecodeError", "record %s field %d is malformed", name, i)
		}
		field, ok := starlark.AsString(kv[0])
		if !ok {
			return nil, newFault(CategoryCodec, "DecodeError", "record %s field %d has a non-string name", name, i)
		}
		fields[field] = kv[1]
	}
	return starlarkstruct.FromStringDict(starlark.String(name), fields), nil
}

// describeData renders a payload for log lines.
func describeData(v starlark.Value) string {
	if v == nil {
		return ""
	}
	s := v.String()
	if len(s) > 120 {
		return fmt.Sprintf("%s... (%d bytes)", s[:120], len(s))
	}
	return s
}
