// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// UnitKind distinguishes statement units from expression units.
type UnitKind int

const (
	UnitExec UnitKind = iota
	UnitEval
)

func (k UnitKind) String() string {
	if k == UnitEval {
		return "eval"
	}
	return "exec"
}

// Unit is one piece of host-supplied code.
type Unit struct {
	Kind   UnitKind
	Name   string // synthetic file name used in tracebacks, e.g. "<exec:3>"
	Source string
}

// Evaluator runs code units against an execution context. Exec may mutate
// the context; Eval returns the value of an expression. scope holds the
// transient bindings of an enclosing call and is nil at top level.
// Failures are returned as errors; the session classifies them.
type Evaluator interface {
	Exec(thread *starlark.Thread, ctx *Context, unit Unit, scope starlark.StringDict) error
	Eval(thread *starlark.Thread, ctx *Context, unit Unit, scope starlark.StringDict) (starlark.Value, error)
}

// DefaultFileOptions enables the Python-like dialect features host-generated
// code relies on: sets, while loops, top-level control flow, rebinding of
// globals and recursion.
func DefaultFileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// Starlark is the Evaluator backed by go.starlark.net.
type Starlark struct {
	// Options selects the accepted dialect. Nil means DefaultFileOptions.
	Options *syntax.FileOptions
	// MaxSteps bounds the execution steps of a single unit. Zero is unbounded.
	MaxSteps uint64
}

// NewStarlark returns a Starlark evaluator with the default dialect.
func NewStarlark() *Starlark {
	return &Starlark{Options: DefaultFileOptions()}
}

func (s *Starlark) options() *syntax.FileOptions {
	if s.Options == nil {
		return DefaultFileOptions()
	}
	return s.Options
}

func (s *Starlark) budget(thread *starlark.Thread) {
	if s.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.MaxSteps)
	}
}

// Exec compiles and runs a statement unit as a chunk of one long-lived
// module: it reads and rebinds the context's globals directly, and its
// bindings are kept even when it fails part way. The transient scope of an
// enclosing call is visible for the duration of the unit only.
//
// Functions keep the globals of the unit that defined them; a later
// rebinding of a name is not seen by functions defined earlier.
func (s *Starlark) Exec(thread *starlark.Thread, ctx *Context, unit Unit, scope starlark.StringDict) error {
	ctx.remember(unit.Name, unit.Source)
	f, err := s.options().Parse(unit.Name, unit.Source, 0)
	if err != nil {
		return err
	}
	s.budget(thread)
	restore := ctx.overlay(scope)
	defer restore()
	return starlark.ExecREPLChunk(f, thread, ctx.globals)
}

// Eval evaluates an expression unit.
func (s *Starlark) Eval(thread *starlark.Thread, ctx *Context, unit Unit, scope starlark.StringDict) (starlark.Value, error) {
	ctx.remember(unit.Name, unit.Source)
	s.budget(thread)
	return starlark.EvalOptions(s.options(), thread, unit.Name, unit.Source, ctx.env(scope))
}
