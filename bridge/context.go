// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"strings"

	"go.starlark.net/starlark"
)

// Context is the execution context shared by every unit the session runs.
// It lives for the whole session and is only touched by the session
// goroutine, so it carries no locking.
type Context struct {
	globals starlark.StringDict
	sources map[string][]string
	order   []string // unit names, oldest first
}

// maxSources bounds how many unit sources are kept for traceback excerpts.
const maxSources = 4096

// NewContext creates an empty execution context.
func NewContext() *Context {
	return &Context{
		globals: make(starlark.StringDict),
		sources: make(map[string][]string),
	}
}

// Get returns the value bound to name.
func (c *Context) Get(name string) (starlark.Value, bool) {
	v, ok := c.globals[name]
	return v, ok
}

// Set binds name to v.
func (c *Context) Set(name string, v starlark.Value) {
	c.globals[name] = v
}

// Names returns the bound names in sorted order.
func (c *Context) Names() []string {
	return c.globals.Keys()
}

// Len returns the number of bound names.
func (c *Context) Len() int {
	return len(c.globals)
}

// overlay binds the transient scope of a call into the globals and returns
// the function that removes it again, restoring any names it shadowed.
func (c *Context) overlay(scope starlark.StringDict) func() {
	if len(scope) == 0 {
		return func() {}
	}
	shadowed := make(starlark.StringDict, len(scope))
	for name, v := range scope {
		if prev, ok := c.globals[name]; ok {
			shadowed[name] = prev
		}
		c.globals[name] = v
	}
	return func() {
		for name := range scope {
			if prev, ok := shadowed[name]; ok {
				c.globals[name] = prev
			} else {
				delete(c.globals, name)
			}
		}
	}
}

// env returns the environment a unit is evaluated in: the context overlaid
// with the transient scope of the enclosing call, if any.
func (c *Context) env(scope starlark.StringDict) starlark.StringDict {
	if len(scope) == 0 {
		return c.globals
	}
	env := make(starlark.StringDict, len(c.globals)+len(scope))
	for name, v := range c.globals {
		env[name] = v
	}
	for name, v := range scope {
		env[name] = v
	}
	return env
}

// remember keeps the source of a unit so tracebacks can quote it.
func (c *Context) remember(file, src string) {
	if _, ok := c.sources[file]; !ok {
		c.order = append(c.order, file)
	}
	c.sources[file] = strings.Split(src, "\n")
	for len(c.order) > maxSources {
		delete(c.sources, c.order[0])
		c.order = c.order[1:]
	}
}

// SourceLine returns the trimmed text of line (1-based) in a unit run by
// this context, or "" when unknown.
func (c *Context) SourceLine(file string, line int) string {
	lines, ok := c.sources[file]
	if !ok || line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}
