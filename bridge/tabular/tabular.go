// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package tabular exposes Arrow IPC encoding of row sets to scripts as the
// "table" module, so bulk results cross the bridge as one bytes value
// instead of a deep tree of maps.
package tabular

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ModuleName is the name the module is usually bound to.
const ModuleName = "table"

// Module is the "table" module: encode, decode and schema.
var Module = &starlarkstruct.Module{
	Name: ModuleName,
	Members: starlark.StringDict{
		"encode": starlark.NewBuiltin("table.encode", encode),
		"decode": starlark.NewBuiltin("table.decode", decode),
		"schema": starlark.NewBuiltin("table.schema", schema),
	},
}

func encode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rows starlark.Iterable
	var compress bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "rows", &rows, "compress?", &compress); err != nil {
		return nil, err
	}
	records, err := collectRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	data, err := Encode(records, compress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bytes(data), nil
}

func decode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Bytes
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	rows, err := Decode([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	out := make([]starlark.Value, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return starlark.NewList(out), nil
}

func schema(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Bytes
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	reader, err := ipc.NewReader(bytes.NewReader([]byte(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	defer reader.Release()
	fields := reader.Schema().Fields()
	out := make([]starlark.Value, len(fields))
	for i, f := range fields {
		out[i] = starlark.Tuple{starlark.String(f.Name), starlark.String(f.Type.String())}
	}
	return starlark.NewList(out), nil
}

// collectRows checks that every row is a dict keyed by strings.
func collectRows(rows starlark.Iterable) ([]*starlark.Dict, error) {
	var out []*starlark.Dict
	iter := rows.Iterate()
	defer iter.Done()
	var v starlark.Value
	for i := 0; iter.Next(&v); i++ {
		d, ok := v.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("row %d is %s, want dict", i, v.Type())
		}
		for _, k := range d.Keys() {
			if _, ok := k.(starlark.String); !ok {
				return nil, fmt.Errorf("row %d has a %s key, want string", i, k.Type())
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// InferSchema derives the column layout of rows. Columns appear in first
// seen order; None is accepted in any column; ints and floats mixed in one
// column widen to float64.
func InferSchema(rows []*starlark.Dict) (*arrow.Schema, error) {
	var names []string
	types := make(map[string]arrow.DataType)
	for i, row := range rows {
		for _, item := range row.Items() {
			name := string(item[0].(starlark.String))
			t, err := valueType(item[1])
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: %w", i, name, err)
			}
			prev, seen := types[name]
			if !seen {
				names = append(names, name)
				types[name] = t
				continue
			}
			merged, err := mergeTypes(prev, t)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			types[name] = merged
		}
	}
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: types[name], Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func valueType(v starlark.Value) (arrow.DataType, error) {
	switch v.(type) {
	case starlark.NoneType:
		return arrow.Null, nil
	case starlark.Bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case starlark.Int:
		return arrow.PrimitiveTypes.Int64, nil
	case starlark.Float:
		return arrow.PrimitiveTypes.Float64, nil
	case starlark.String:
		return arrow.BinaryTypes.String, nil
	case starlark.Bytes:
		return arrow.BinaryTypes.Binary, nil
	}
	return nil, fmt.Errorf("unsupported cell type %s", v.Type())
}

func mergeTypes(a, b arrow.DataType) (arrow.DataType, error) {
	switch {
	case arrow.TypeEqual(a, b), b.ID() == arrow.NULL:
		return a, nil
	case a.ID() == arrow.NULL:
		return b, nil
	case isNumeric(a) && isNumeric(b):
		return arrow.PrimitiveTypes.Float64, nil
	}
	return nil, fmt.Errorf("mixes %s and %s", a, b)
}

func isNumeric(t arrow.DataType) bool {
	return t.ID() == arrow.INT64 || t.ID() == arrow.FLOAT64
}

// Encode writes rows as an Arrow IPC stream with a single record batch.
// compress enables zstd buffer compression.
func Encode(rows []*starlark.Dict, compress bool) ([]byte, error) {
	sc, err := InferSchema(rows)
	if err != nil {
		return nil, err
	}
	mem := memory.NewGoAllocator()

	cols := make([]arrow.Array, sc.NumFields())
	for i, f := range sc.Fields() {
		col, err := buildColumn(mem, f, rows)
		if err != nil {
			for _, c := range cols[:i] {
				c.Release()
			}
			return nil, err
		}
		cols[i] = col
	}
	for _, c := range cols {
		defer c.Release()
	}
	batch := array.NewRecordBatch(sc, cols, int64(len(rows)))
	defer batch.Release()

	opts := []ipc.Option{ipc.WithSchema(sc), ipc.WithAllocator(mem)}
	if compress {
		opts = append(opts, ipc.WithZstd())
	}
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, opts...)
	if err := w.Write(batch); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildColumn(mem memory.Allocator, f arrow.Field, rows []*starlark.Dict) (arrow.Array, error) {
	b := array.NewBuilder(mem, f.Type)
	defer b.Release()
	key := starlark.String(f.Name)
	for i, row := range rows {
		v, found, _ := row.Get(key)
		if !found || v == starlark.None {
			b.AppendNull()
			continue
		}
		if err := appendValue(b, v); err != nil {
			return nil, fmt.Errorf("row %d, column %q: %w", i, f.Name, err)
		}
	}
	return b.NewArray(), nil
}

func appendValue(b array.Builder, v starlark.Value) error {
	switch b := b.(type) {
	case *array.BooleanBuilder:
		b.Append(bool(v.(starlark.Bool)))
	case *array.Int64Builder:
		n, ok := v.(starlark.Int).Int64()
		if !ok {
			return fmt.Errorf("integer %s out of int64 range", v)
		}
		b.Append(n)
	case *array.Float64Builder:
		f, ok := starlark.AsFloat(v)
		if !ok {
			return fmt.Errorf("%s is not a number", v.Type())
		}
		b.Append(f)
	case *array.StringBuilder:
		b.Append(string(v.(starlark.String)))
	case *array.BinaryBuilder:
		b.Append([]byte(v.(starlark.Bytes)))
	default:
		return fmt.Errorf("no builder for %s", v.Type())
	}
	return nil
}

// Decode reads every record batch of an Arrow IPC stream into dicts, one
// per row, with keys in schema order.
func Decode(data []byte) ([]*starlark.Dict, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var rows []*starlark.Dict
	for reader.Next() {
		batch := reader.RecordBatch()
		sc := batch.Schema()
		for r := 0; r < int(batch.NumRows()); r++ {
			d := starlark.NewDict(int(batch.NumCols()))
			for c := 0; c < int(batch.NumCols()); c++ {
				v, err := cellValue(batch.Column(c), r)
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", sc.Field(c).Name, err)
				}
				if err := d.SetKey(starlark.String(sc.Field(c).Name), v); err != nil {
					return nil, err
				}
			}
			rows = append(rows, d)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func cellValue(col arrow.Array, i int) (starlark.Value, error) {
	if col.IsNull(i) {
		return starlark.None, nil
	}
	switch col := col.(type) {
	case *array.Boolean:
		return starlark.Bool(col.Value(i)), nil
	case *array.Int8:
		return starlark.MakeInt64(int64(col.Value(i))), nil
	case *array.Int16:
		return starlark.MakeInt64(int64(col.Value(i))), nil
	case *array.Int32:
		return starlark.MakeInt64(int64(col.Value(i))), nil
	case *array.Int64:
		return starlark.MakeInt64(col.Value(i)), nil
	case *array.Uint8:
		return starlark.MakeUint64(uint64(col.Value(i))), nil
	case *array.Uint16:
		return starlark.MakeUint64(uint64(col.Value(i))), nil
	case *array.Uint32:
		return starlark.MakeUint64(uint64(col.Value(i))), nil
	case *array.Uint64:
		return starlark.MakeUint64(col.Value(i)), nil
	case *array.Float32:
		return starlark.Float(col.Value(i)), nil
	case *array.Float64:
		return starlark.Float(col.Value(i)), nil
	case *array.String:
		return starlark.String(col.Value(i)), nil
	case *array.LargeString:
		return starlark.String(col.Value(i)), nil
	case *array.Binary:
		return starlark.Bytes(col.Value(i)), nil
	}
	return nil, fmt.Errorf("unsupported column type %s", col.DataType())
}
