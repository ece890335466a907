// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"sync"

	"go.starlark.net/starlark"
)

var errExhausted = errors.New("generator exhausted")

// generatorTable tracks the open generator handles of a session. Ids come
// from one counter and are never reused; a handle leaves the table when the
// host reports it exhausted.
type generatorTable struct {
	mu      sync.Mutex
	lastID  uint64
	entries map[uint64]*generatorState
}

type generatorState struct {
	name     string
	inFlight bool
}

func newGeneratorTable() *generatorTable {
	return &generatorTable{entries: make(map[uint64]*generatorState)}
}

// allocate reserves the next id.
func (t *generatorTable) allocate() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastID++
	return t.lastID
}

func (t *generatorTable) open(id uint64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &generatorState{name: name}
}

// begin marks a step in flight. Stepping an unknown or exhausted handle, or
// one whose previous step has not finished, is a protocol violation.
func (t *generatorTable) begin(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.entries[id]
	if !ok {
		return protocolFault("step on generator %d, which is exhausted or unknown", id)
	}
	if st.inFlight {
		return protocolFault("reentrant step on generator %d (%s) while a step is in flight", id, st.name)
	}
	st.inFlight = true
	return nil
}

func (t *generatorTable) finish(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.entries[id]; ok {
		st.inFlight = false
	}
}

func (t *generatorTable) exhaust(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len returns the number of open handles.
func (t *generatorTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Generator is the script-side handle of a host producer. Iterating it, or
// calling its next method, pulls one element per "step" round trip.
type Generator struct {
	id      uint64
	name    string
	scope   starlark.StringDict
	session *Session
}

var (
	_ starlark.Iterable = (*Generator)(nil)
	_ starlark.HasAttrs = (*Generator)(nil)
)

// ID returns the handle id shared with the host.
func (g *Generator) ID() uint64 { return g.id }

func (g *Generator) String() string        { return fmt.Sprintf("<generator %s#%d>", g.name, g.id) }
func (g *Generator) Type() string          { return "generator" }
func (g *Generator) Freeze()               {}
func (g *Generator) Truth() starlark.Bool  { return starlark.True }
func (g *Generator) Hash() (uint32, error) { return uint32(g.id), nil }

func (g *Generator) Iterate() starlark.Iterator {
	return &generatorIterator{g: g}
}

func (g *Generator) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.MakeUint64(g.id), nil
	case "name":
		return starlark.String(g.name), nil
	case "next":
		return starlark.NewBuiltin("next", g.next).BindReceiver(g), nil
	}
	return nil, nil
}

func (g *Generator) AttrNames() []string {
	return []string{"id", "name", "next"}
}

// next returns one element, or fails with StopIteration once the host
// reports the producer exhausted.
func (g *Generator) next(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	v, done, err := g.session.step(g)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, &Fault{
			Category: CategoryLocal,
			Kind:     KindExhausted,
			Type:     "StopIteration",
			Message:  fmt.Sprintf("%s is exhausted", g.String()),
			cause:    errExhausted,
		}
	}
	return v, nil
}

// generatorIterator adapts a Generator to Starlark's for loop. Iterators
// cannot return errors, so a failed step interrupts the running thread and
// the session reports the original fault.
type generatorIterator struct {
	g *Generator
}

func (it *generatorIterator) Next(p *starlark.Value) bool {
	v, done, err := it.g.session.step(it.g)
	if err != nil {
		it.g.session.interrupt(err)
		return false
	}
	if done {
		return false
	}
	*p = v
	return true
}

func (it *generatorIterator) Done() {}
