// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import "context"

// Direction of a dispatched command.
const (
	DirectionInbound  = "inbound"  // host → worker: exec, eval
	DirectionOutbound = "outbound" // worker → host: call, step
)

// DispatchHook provides observability callpoints around every command the
// session handles. Calls happen on the session goroutine and nest when a
// call or step runs units of its own.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CommandStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries command metadata passed to hooks.
type DispatchInfo struct {
	Command   string // CmdExec, CmdEval, CmdCall or CmdStep
	Direction string // DirectionInbound or DirectionOutbound
	Func      string // routine name for calls
	HandleID  uint64 // generator id for generator calls and steps
	Depth     int    // nesting depth, 0 at top level
	SessionID string
}

// CommandStatistics holds per-command frame counters, including frames
// exchanged by nested units.
type CommandStatistics struct {
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
}

// RecordInput records one received frame.
func (s *CommandStatistics) RecordInput(bytes int) {
	s.FramesIn++
	s.BytesIn += int64(bytes)
}

// RecordOutput records one sent frame.
func (s *CommandStatistics) RecordOutput(bytes int) {
	s.FramesOut++
	s.BytesOut += int64(bytes)
}

// add folds a nested command's counters into s.
func (s *CommandStatistics) add(o *CommandStatistics) {
	s.FramesIn += o.FramesIn
	s.FramesOut += o.FramesOut
	s.BytesIn += o.BytesIn
	s.BytesOut += o.BytesOut
}
