// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

// Well-known keys of the message envelope.
const (
	KeyCommand = "cm"
	KeyData    = "dt"
	KeyFunc    = "func"
	KeyID      = "id"
)

// Command tags carried in the "cm" field.
const (
	CmdReady = "ready" // worker → host, once, payload is the worker pid
	CmdCall  = "call"  // worker → host, routine name (+ generator id)
	CmdExec  = "exec"  // host → worker, statement unit
	CmdEval  = "eval"  // host → worker, expression unit
	CmdDone  = "done"  // worker → host
	CmdRes   = "res"   // worker → host, encoded value
	CmdRetn  = "retn"  // host → worker, expression for a call's return value
	CmdYield = "yld"   // host → worker, expression for one generator element
	CmdStep  = "step"  // worker → host, generator id
	CmdStop  = "stop"  // host → worker, generator exhausted
	CmdErr   = "err"   // either direction
)

// Names the bridge keeps resolvable in the execution context.
const (
	NameCallEntry      = "___call_host"
	NameGeneratorEntry = "___call_host_gen"
	NameLocalHandler   = "___exc_handler"
	NamePeerHandler    = "___host_exc_handler"
	NameNull           = "___null"
)

// Names of the transient scope visible to units run inside a call.
const (
	ScopeArgs   = "args"
	ScopeKwargs = "kwargs"
)

// Record and set markers used by the value codec.
const (
	markerType = "___type"
	markerData = "___data"
	markerSet  = "___set"
	setType    = "set"
)
