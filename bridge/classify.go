// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// messageKinds maps fragments of Starlark runtime error messages to a kind
// and the Python type name the host expects. Order matters: first match wins.
var messageKinds = []struct {
	fragment string
	kind     Kind
	typ      string
}{
	{"by zero", KindArithmetic, "ZeroDivisionError"},
	{"overflow", KindArithmetic, "OverflowError"},
	{"not in dict", KindKey, "KeyError"},
	{"index out of range", KindIndex, "IndexError"},
	{"out of range", KindIndex, "IndexError"},
	{"too many steps", KindTimeout, "TimeoutError"},
	{"computation cancelled", KindTimeout, "TimeoutError"},
	{"assert", KindAssertion, "AssertionError"},
	{"not implemented", KindNotImplemented, "NotImplementedError"},
	{"not supported", KindNotImplemented, "NotImplementedError"},
	{"unsupported", KindType, "TypeError"},
	{"unhashable", KindType, "TypeError"},
	{"not callable", KindType, "TypeError"},
	{"has no .", KindType, "AttributeError"},
	{"got ", KindType, "TypeError"},
	{"want ", KindType, "TypeError"},
	{"invalid", KindValue, "ValueError"},
	{"cannot", KindValue, "ValueError"},
	{"referenced before assignment", KindNotFound, "NameError"},
	{"undefined", KindNotFound, "NameError"},
}

// Classify returns the local sub-kind of err and a Python-style type name
// for it. It is best effort: unknown failures are KindOther/"Exception".
func Classify(err error) (Kind, string) {
	var f *Fault
	if errors.As(err, &f) {
		switch f.Category {
		case CategoryLocal:
			return f.Kind, f.Type
		case CategoryPeer:
			return KindOther, f.Type
		}
	}

	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return KindSyntax, "SyntaxError"
	}
	var resErrs resolve.ErrorList
	if errors.As(err, &resErrs) {
		for _, e := range resErrs {
			if strings.HasPrefix(e.Msg, "undefined") {
				return KindNotFound, "NameError"
			}
		}
		return KindSyntax, "SyntaxError"
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindEOF, "EOFError"
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound, "FileNotFoundError"
	case errors.Is(err, fs.ErrPermission):
		return KindPermission, "PermissionError"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout, "TimeoutError"
	case errors.Is(err, errExhausted):
		return KindExhausted, "StopIteration"
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindIO, "OSError"
	}

	msg := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg = evalErr.Msg
		if strings.HasPrefix(msg, "fail: ") {
			return KindOther, "Exception"
		}
	}
	for _, m := range messageKinds {
		if strings.Contains(msg, m.fragment) {
			return m.kind, m.typ
		}
	}
	return KindOther, "Exception"
}

// Marshal builds the Fault reported to the host for err, with a traceback
// whose source excerpts come from ctx. ctx may be nil.
func Marshal(err error, ctx *Context) *Fault {
	return marshaller{ctx: ctx}.marshal(err)
}

// marshaller turns errors into Faults, reconstructing tracebacks from the
// Starlark call stack and the sources held by the execution context.
type marshaller struct {
	ctx *Context
}

// marshal builds the outbound Fault for err. A peer-originated fault found in
// the chain keeps its type, message and frames; local frames are prepended.
func (m marshaller) marshal(err error) *Fault {
	local := m.localFrames(err)

	var f *Fault
	if errors.As(err, &f) {
		out := *f
		if f.Category == CategoryPeer || f.Category == CategoryLocal {
			out.Frames = append(local, f.Frames...)
			return &out
		}
		out.Frames = local
		if out.Category == "" {
			out.Category = CategoryLocal
		}
		return &out
	}

	kind, typ := Classify(err)
	msg := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg = evalErr.Msg
	}
	var synErr syntax.Error
	if errors.As(err, &synErr) {
		msg = synErr.Msg
	}
	return &Fault{
		Category: CategoryLocal,
		Kind:     kind,
		Type:     typ,
		Message:  msg,
		Frames:   local,
		cause:    err,
	}
}

// localFrames extracts the Starlark frames of err, outermost first.
func (m marshaller) localFrames(err error) []Frame {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		frames := make([]Frame, 0, len(evalErr.CallStack))
		for _, cf := range evalErr.CallStack {
			frames = append(frames, m.frame(cf.Pos, cf.Name))
		}
		return frames
	}
	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return []Frame{m.frame(synErr.Pos, "<module>")}
	}
	var resErrs resolve.ErrorList
	if errors.As(err, &resErrs) && len(resErrs) > 0 {
		return []Frame{m.frame(resErrs[0].Pos, "<module>")}
	}
	return nil
}

func (m marshaller) frame(pos syntax.Position, name string) Frame {
	fr := Frame{
		File:     pos.Filename(),
		Line:     int(pos.Line),
		Function: name,
	}
	if m.ctx != nil {
		fr.Text = m.ctx.SourceLine(fr.File, fr.Line)
	}
	return fr
}
