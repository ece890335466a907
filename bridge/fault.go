// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
)

// Category is the coarse, wire-level classification of a failure.
type Category string

const (
	CategoryTransport    Category = "transport"
	CategoryOversize     Category = "oversize"
	CategoryCodec        Category = "codec"
	CategoryUnencodable  Category = "unencodable"
	CategoryDisconnected Category = "disconnected"
	CategoryProtocol     Category = "protocol"
	CategoryLocal        Category = "local"
	CategoryPeer         Category = "peer"
)

// Kind refines CategoryLocal failures.
type Kind string

const (
	KindIO             Kind = "io"
	KindNotFound       Kind = "not_found"
	KindPermission     Kind = "permission"
	KindTimeout        Kind = "timeout"
	KindType           Kind = "type"
	KindValue          Kind = "value"
	KindKey            Kind = "key"
	KindIndex          Kind = "index"
	KindArithmetic     Kind = "arithmetic"
	KindAssertion      Kind = "assertion"
	KindNotImplemented Kind = "not_implemented"
	KindMemory         Kind = "memory"
	KindSyntax         Kind = "syntax"
	KindEOF            Kind = "eof"
	KindExhausted      Kind = "exhausted"
	KindOther          Kind = "other"
)

// Sentinels for use with errors.Is. ErrFault matches any *Fault; the others
// match a *Fault of the same category.
var (
	ErrFault        = &Fault{}
	ErrTransport    = &Fault{Category: CategoryTransport}
	ErrOversize     = &Fault{Category: CategoryOversize}
	ErrCodec        = &Fault{Category: CategoryCodec}
	ErrUnencodable  = &Fault{Category: CategoryUnencodable}
	ErrDisconnected = &Fault{Category: CategoryDisconnected, Type: "ConnectionClosed", Message: "peer disconnected"}
	ErrProtocol     = &Fault{Category: CategoryProtocol}
	ErrPeer         = &Fault{Category: CategoryPeer}
)

// Frame is one entry of a cross-runtime traceback.
type Frame struct {
	File     string
	Line     int
	Function string
	Text     string
	Args     string // optional argument snapshot
}

// Fault is the structured failure exchanged in "err" messages.
type Fault struct {
	Category Category
	Kind     Kind   // set for CategoryLocal only
	Type     string // true origin type name, e.g. "ZeroDivisionError"
	Message  string
	Frames   []Frame // outermost first
	cause    error
}

func (f *Fault) Error() string {
	if f.Type == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// Is supports errors.Is against ErrFault and the category sentinels.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Category == "" || t.Category == f.Category
}

// Tag returns the wire category tag, "local/<kind>" for local faults.
func (f *Fault) Tag() string {
	if f.Category == CategoryLocal && f.Kind != "" {
		return string(f.Category) + "/" + string(f.Kind)
	}
	return string(f.Category)
}

// Fatal reports whether the fault ends the session instead of being reported.
func (f *Fault) Fatal() bool {
	switch f.Category {
	case CategoryTransport, CategoryDisconnected:
		return true
	}
	return false
}

// Backtrace renders the fault the way a diagnostic stream shows it.
func (f *Fault) Backtrace() string {
	var b strings.Builder
	if len(f.Frames) > 0 {
		b.WriteString("Traceback (most recent call last):\n")
		for _, fr := range f.Frames {
			fmt.Fprintf(&b, "  File \"%s\", line %d, in %s\n", fr.File, fr.Line, fr.Function)
			if fr.Text != "" {
				fmt.Fprintf(&b, "    %s\n", fr.Text)
			}
		}
	}
	fmt.Fprintf(&b, "%s [%s]", f.Error(), f.Tag())
	return b.String()
}

func newFault(cat Category, typ, format string, args ...any) *Fault {
	return &Fault{Category: cat, Type: typ, Message: fmt.Sprintf(format, args...)}
}

func wrapFault(cat Category, typ string, err error) *Fault {
	return &Fault{Category: cat, Type: typ, Message: err.Error(), cause: err}
}

func protocolFault(format string, args ...any) *Fault {
	return newFault(CategoryProtocol, "ProtocolError", format, args...)
}

// fallbackFault describes a failure to report another failure.
func fallbackFault(reporting *Fault, err error) *Fault {
	return &Fault{
		Category: CategoryCodec,
		Type:     "EncodeError",
		Message:  fmt.Sprintf("failed to report %s: %v", reporting.Type, err),
		cause:    err,
	}
}

// Value converts the fault to its wire payload:
// (tag, type, message, ((file, line, function, text, args|None), ...)).
func (f *Fault) Value() starlark.Value {
	frames := make([]starlark.Value, 0, len(f.Frames))
	for _, fr := range f.Frames {
		var args starlark.Value = starlark.None
		if fr.Args != "" {
			args = starlark.String(fr.Args)
		}
		frames = append(frames, starlark.Tuple{
			starlark.String(fr.File),
			starlark.MakeInt(fr.Line),
			starlark.String(fr.Function),
			starlark.String(fr.Text),
			args,
		})
	}
	return starlark.Tuple{
		starlark.String(f.Tag()),
		starlark.String(f.Type),
		starlark.String(f.Message),
		starlark.NewList(frames),
	}
}

// FaultFromValue rebuilds a peer-originated fault from an inbound "err"
// payload. Both the full four-element form and the two-element
// [type, message] form are accepted; anything else is a protocol fault.
func FaultFromValue(v starlark.Value) (*Fault, error) {
	items, ok := sequenceItems(v)
	if !ok {
		return nil, protocolFault("err payload must be a sequence, got %s", typeName(v))
	}
	f := &Fault{Category: CategoryPeer}
	switch {
	case len(items) == 2:
		f.Type, _ = starlark.AsString(items[0])
		f.Message, _ = starlark.AsString(items[1])
	case len(items) >= 3:
		f.Type, _ = starlark.AsString(items[1])
		f.Message, _ = starlark.AsString(items[2])
		if len(items) > 3 {
			frames, err := framesFromValue(items[3])
			if err != nil {
				return nil, err
			}
			f.Frames = frames
		}
	default:
		return nil, protocolFault("err payload has %d elements", len(items))
	}
	if f.Type == "" {
		f.Type = "HostError"
	}
	return f, nil
}

func framesFromValue(v starlark.Value) ([]Frame, error) {
	if v == starlark.None {
		return nil, nil
	}
	items, ok := sequenceItems(v)
	if !ok {
		return nil, protocolFault("err frames must be a sequence, got %s", typeName(v))
	}
	frames := make([]Frame, 0, len(items))
	for i, item := range items {
		fields, ok := sequenceItems(item)
		if !ok || len(fields) < 3 {
			return nil, protocolFault("err frame %d is malformed", i)
		}
		var fr Frame
		fr.File, _ = starlark.AsString(fields[0])
		if line, err := starlark.AsInt32(fields[1]); err == nil {
			fr.Line = line
		}
		fr.Function, _ = starlark.AsString(fields[2])
		if len(fields) > 3 {
			fr.Text, _ = starlark.AsString(fields[3])
		}
		if len(fields) > 4 && fields[4] != starlark.None {
			if s, ok := starlark.AsString(fields[4]); ok {
				fr.Args = s
			} else {
				fr.Args = fields[4].String()
			}
		}
		frames = append(frames, fr)
	}
	return frames, nil
}

// sequenceItems returns the elements of a tuple or list.
func sequenceItems(v starlark.Value) ([]starlark.Value, bool) {
	switch v := v.(type) {
	case starlark.Tuple:
		return v, true
	case *starlark.List:
		items := make([]starlark.Value, v.Len())
		for i := range items {
			items[i] = v.Index(i)
		}
		return items, true
	}
	return nil, false
}

func typeName(v starlark.Value) string {
	if v == nil {
		return "nothing"
	}
	return v.Type()
}
