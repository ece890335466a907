// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Session is one worker-side conversation with a host. It owns the
// execution context and the generator table and drives the strict
// request/response exchange: every message the worker sends is followed by
// exactly one message it reads, and a call or step suspends the running
// unit in a nested loop that serves host commands until the reply arrives.
//
// A Session is single-threaded; all its methods run on the goroutine that
// called Run.
type Session struct {
	transport  Transport
	codec      Codec
	evaluator  Evaluator
	ctx        *Context
	marshal    marshaller
	generators *generatorTable

	baseLogger  *slog.Logger
	logger      *slog.Logger
	hook        DispatchHook
	diagnostics io.Writer
	stdout      io.Writer
	pid         int
	sessionID   string

	defaults     map[string]starlark.Value
	localHandler starlark.Callable
	peerHandler  starlark.Callable

	runCtx context.Context
	depth  int
	units  int
	active []*activeUnit
	stats  *CommandStatistics
	fatal  error
}

// activeUnit is a running thread and the fault that interrupted it, if any.
type activeUnit struct {
	thread  *starlark.Thread
	pending *Fault
}

// NewSession creates a session over t. A nil evaluator selects the default
// Starlark evaluator.
func NewSession(t Transport, ev Evaluator) *Session {
	if ev == nil {
		ev = NewStarlark()
	}
	ctx := NewContext()
	s := &Session{
		transport:   t,
		codec:       MsgpackCodec{},
		evaluator:   ev,
		ctx:         ctx,
		marshal:     marshaller{ctx: ctx},
		generators:  newGeneratorTable(),
		diagnostics: os.Stderr,
		stdout:      os.Stderr,
		pid:         os.Getpid(),
		sessionID:   uuid.NewString(),
		runCtx:      context.Background(),
	}
	s.baseLogger = slog.Default()
	s.logger = s.baseLogger.With("session_id", s.sessionID)
	s.defaults = map[string]starlark.Value{
		NameCallEntry:      starlark.NewBuiltin(NameCallEntry, s.callHost),
		NameGeneratorEntry: starlark.NewBuiltin(NameGeneratorEntry, s.openGenerator),
		NameLocalHandler:   starlark.NewBuiltin(NameLocalHandler, s.describeFault),
		NamePeerHandler:    starlark.NewBuiltin(NamePeerHandler, s.describeFault),
		NameNull:           starlark.None,
	}
	for name, v := range s.defaults {
		ctx.Set(name, v)
	}
	s.resync()
	return s
}

// SetLogger replaces the session logger. The session id is attached to it.
func (s *Session) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	s.baseLogger = l
	s.logger = l.With("session_id", s.sessionID)
}

// SetDispatchHook registers a hook that is called around each command.
func (s *Session) SetDispatchHook(hook DispatchHook) {
	s.hook = hook
}

// SetDiagnostics sets where the default failure handlers write backtraces.
// Defaults to os.Stderr.
func (s *Session) SetDiagnostics(w io.Writer) {
	s.diagnostics = w
}

// SetStdout sets where the script's print output goes. Defaults to
// os.Stderr, since stdout may carry frames.
func (s *Session) SetStdout(w io.Writer) {
	s.stdout = w
}

// SetProcessID overrides the pid announced in the ready message.
func (s *Session) SetProcessID(pid int) {
	s.pid = pid
}

// SetSessionID overrides the generated session identifier.
func (s *Session) SetSessionID(id string) {
	s.sessionID = id
	s.logger = s.baseLogger.With("session_id", id)
}

// SessionID returns the session identifier used in logs and hooks.
func (s *Session) SessionID() string {
	return s.sessionID
}

// SetCodec replaces the message codec.
func (s *Session) SetCodec(c Codec) {
	s.codec = c
}

// Context returns the execution context.
func (s *Session) Context() *Context {
	return s.ctx
}

// Bind makes v resolvable by name in every later unit. Binding one of the
// support names replaces the corresponding default.
func (s *Session) Bind(name string, v starlark.Value) {
	s.ctx.Set(name, v)
	s.resync()
}

// OpenGenerators returns the number of generator handles not yet exhausted.
func (s *Session) OpenGenerators() int {
	return s.generators.Len()
}

// Run announces readiness and serves host commands until the host
// disconnects (nil) or a fatal fault ends the session (the fault).
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.logger.Debug("session: announcing ready", "pid", s.pid)

	in, err := s.roundTrip(Message{Command: CmdReady, Data: starlark.MakeInt(s.pid)})
	for err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		in, err = s.dispatch(in, nil)
	}
	if errors.Is(err, ErrDisconnected) {
		s.logger.Info("host disconnected, session ended", "units", s.units)
		return nil
	}
	s.logger.Error("serve loop error", "err", err)
	return err
}

// dispatch runs one inbound command and returns the host's next message.
// Only exec and eval are acceptable outside a terminal reply.
func (s *Session) dispatch(in Message, scope starlark.StringDict) (Message, error) {
	switch in.Command {
	case CmdExec, CmdEval:
		return s.process(in, scope)
	}
	f := protocolFault("unexpected %q command", in.Command)
	s.logger.Warn("protocol violation", "cm", in.Command, "depth", s.depth)
	return s.roundTrip(Message{Command: CmdErr, Data: f.Value()})
}

// process runs an exec or eval unit and answers it with done, res or err.
func (s *Session) process(in Message, scope starlark.StringDict) (Message, error) {
	info := DispatchInfo{
		Command:   in.Command,
		Direction: DirectionInbound,
		Depth:     s.depth,
		SessionID: s.sessionID,
	}
	finish := s.startCommand(info)

	kind := UnitExec
	if in.Command == CmdEval {
		kind = UnitEval
	}
	var out Message
	src, ok := starlark.AsString(in.Data)
	var unitErr error
	if !ok {
		unitErr = protocolFault("%s payload must be text, got %s", in.Command, typeName(in.Data))
	} else {
		var v starlark.Value
		v, unitErr = s.runUnit(kind, kind.String(), src, scope)
		switch {
		case unitErr != nil:
		case kind == UnitExec:
			out = Message{Command: CmdDone}
		default:
			out = Message{Command: CmdRes, Data: v}
		}
	}
	if s.fatal != nil {
		finish(s.fatal)
		return Message{}, s.fatal
	}
	var reported error
	if unitErr != nil {
		fault := s.marshal.marshal(unitErr)
		s.report(fault)
		out = Message{Command: CmdErr, Data: fault.Value()}
		reported = fault
	}
	sendErr := s.send(out)
	finish(reported)
	if sendErr != nil {
		return Message{}, sendErr
	}
	return s.receive()
}

// runUnit executes one unit on a fresh thread. A fault that interrupted
// the thread from inside an iteration takes precedence over the
// cancellation it caused.
func (s *Session) runUnit(kind UnitKind, label, src string, scope starlark.StringDict) (starlark.Value, error) {
	s.units++
	unit := Unit{Kind: kind, Name: fmt.Sprintf("<%s:%d>", label, s.units), Source: src}
	s.logger.Debug("session: running unit", "unit", unit.Name, "depth", s.depth)

	au := s.push(unit.Name)
	var v starlark.Value = starlark.None
	var err error
	if kind == UnitExec {
		err = s.evaluator.Exec(au.thread, s.ctx, unit, scope)
	} else {
		v, err = s.evaluator.Eval(au.thread, s.ctx, unit, scope)
	}
	s.pop()
	s.resync()

	switch {
	case s.fatal != nil:
		return nil, s.fatal
	case au.pending != nil && err == nil:
		return nil, au.pending
	case au.pending != nil:
		return nil, errors.Join(err, au.pending)
	}
	return v, err
}

func (s *Session) push(name string) *activeUnit {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(s.stdout, msg)
		},
	}
	au := &activeUnit{thread: thread}
	s.active = append(s.active, au)
	return au
}

func (s *Session) pop() {
	s.active = s.active[:len(s.active)-1]
}

// interrupt stops the innermost running thread after a failure that could
// not be returned as an error, such as a failed step inside a for loop.
func (s *Session) interrupt(err error) {
	if len(s.active) == 0 {
		s.logger.Error("failure outside a running unit", "err", err)
		return
	}
	au := s.active[len(s.active)-1]
	if au.pending == nil {
		if s.fatal != nil {
			au.pending = asFault(s.fatal)
		} else {
			au.pending = s.marshal.marshal(err)
		}
	}
	au.thread.Cancel(au.pending.Error())
}

func asFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return wrapFault(CategoryTransport, "OSError", err)
}

// callHost implements ___call_host(name, *args, **kwargs). Units the host
// runs while the call is pending see args and kwargs; the retn expression
// is evaluated in the same scope and becomes the result.
func (s *Session) callHost(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	name, rest, err := routineArgs(b, args)
	if err != nil {
		return nil, err
	}
	scope := callScope(rest, kwargs)
	in, err := s.outbound(Message{Command: CmdCall, Func: name}, DispatchInfo{Func: name}, scope, CmdRetn)
	if err != nil {
		return nil, err
	}
	return s.evalReply(CmdRetn, in, scope)
}

// openGenerator implements ___call_host_gen(name, *args, **kwargs). The
// host answers the call with retn once the producer exists; elements are
// pulled later, one step at a time.
func (s *Session) openGenerator(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	name, rest, err := routineArgs(b, args)
	if err != nil {
		return nil, err
	}
	scope := callScope(rest, kwargs)
	id := s.generators.allocate()
	out := Message{Command: CmdCall, Func: name, ID: id, HasID: true}
	if _, err := s.outbound(out, DispatchInfo{Func: name, HandleID: id}, scope, CmdRetn); err != nil {
		return nil, err
	}
	s.generators.open(id, name)
	return &Generator{id: id, name: name, scope: scope, session: s}, nil
}

// step pulls one element of g. done is true when the host reported the
// producer exhausted; the handle is then forgotten.
func (s *Session) step(g *Generator) (v starlark.Value, done bool, err error) {
	if err := s.generators.begin(g.id); err != nil {
		return nil, false, err
	}
	defer s.generators.finish(g.id)

	out := Message{Command: CmdStep, ID: g.id, HasID: true}
	in, err := s.outbound(out, DispatchInfo{Func: g.name, HandleID: g.id}, g.scope, CmdYield, CmdStop)
	if err != nil {
		return nil, false, err
	}
	if in.Command == CmdStop {
		s.generators.exhaust(g.id)
		return nil, true, nil
	}
	v, err = s.evalReply(CmdYield, in, g.scope)
	return v, false, err
}

// outbound sends a call or step and serves host commands until one of the
// terminal commands arrives. An err reply is returned as the peer fault.
func (s *Session) outbound(out Message, info DispatchInfo, scope starlark.StringDict, terminal ...string) (Message, error) {
	if s.fatal != nil {
		return Message{}, s.fatal
	}
	info.Command = out.Command
	info.Direction = DirectionOutbound
	info.Depth = s.depth
	info.SessionID = s.sessionID
	finish := s.startCommand(info)

	s.depth++
	in, err := s.converse(out, scope, terminal)
	s.depth--

	if err == nil && in.Command == CmdErr {
		err = s.peerFault(in)
	}
	finish(err)
	if err != nil {
		return Message{}, err
	}
	return in, nil
}

func (s *Session) converse(out Message, scope starlark.StringDict, terminal []string) (Message, error) {
	in, err := s.roundTrip(out)
	for err == nil {
		if in.Command == CmdErr || slices.Contains(terminal, in.Command) {
			return in, nil
		}
		in, err = s.dispatch(in, scope)
	}
	return Message{}, err
}

// evalReply evaluates the expression carried by a retn or yld message.
func (s *Session) evalReply(cmd string, in Message, scope starlark.StringDict) (starlark.Value, error) {
	src, ok := starlark.AsString(in.Data)
	if !ok {
		return nil, protocolFault("%s payload must be text, got %s", cmd, typeName(in.Data))
	}
	return s.runUnit(UnitEval, cmd, src, scope)
}

func (s *Session) peerFault(in Message) error {
	f, err := FaultFromValue(in.Data)
	if err != nil {
		return err
	}
	s.logger.Debug("session: host reported failure", "type", f.Type, "message", f.Message)
	return f
}

// roundTrip sends one message and reads the host's answer.
func (s *Session) roundTrip(out Message) (Message, error) {
	if err := s.send(out); err != nil {
		return Message{}, err
	}
	return s.receive()
}

// send encodes and writes one message. A result that cannot be encoded or
// is too large is answered with err instead; a failure report that cannot
// be sent degrades to a fallback fault without traceback.
func (s *Session) send(out Message) error {
	if s.fatal != nil {
		return s.fatal
	}
	payload, err := s.codec.Encode(out)
	if err == nil {
		err = s.transport.Send(payload)
		if err == nil {
			s.logger.Debug("session: sent", "cm", out.Command, "bytes", len(payload))
			if s.stats != nil {
				s.stats.RecordOutput(len(payload))
			}
			return nil
		}
		if !errors.Is(err, ErrOversize) {
			s.fatal = err
			return err
		}
	}

	switch out.Command {
	case CmdRes:
		fault := s.marshal.marshal(err)
		s.report(fault)
		return s.send(Message{Command: CmdErr, Data: fault.Value()})
	case CmdErr:
		reported, _ := FaultFromValue(out.Data)
		if reported == nil {
			reported = &Fault{Type: "Exception"}
		}
		fb := fallbackFault(reported, err)
		s.logger.Warn("failure report could not be sent, using fallback", "err", err)
		payload, encErr := s.codec.Encode(Message{Command: CmdErr, Data: fb.Value()})
		if encErr == nil {
			encErr = s.transport.Send(payload)
		}
		if encErr != nil {
			s.fatal = encErr
			return encErr
		}
		if s.stats != nil {
			s.stats.RecordOutput(len(payload))
		}
		return nil
	}
	// Nothing was written; the running unit sees the failure.
	return err
}

// receive reads the next decodable message. Undecodable frames are
// answered with a codec err and skipped.
func (s *Session) receive() (Message, error) {
	for {
		payload, err := s.transport.Receive()
		if err != nil {
			s.fatal = err
			return Message{}, err
		}
		if s.stats != nil {
			s.stats.RecordInput(len(payload))
		}
		in, err := s.codec.Decode(payload)
		if err == nil {
			s.logger.Debug("session: received", "cm", in.Command, "dt", describeData(in.Data), "bytes", len(payload))
			return in, nil
		}
		s.logger.Warn("undecodable frame", "err", err, "bytes", len(payload))
		fault := s.marshal.marshal(err)
		if err := s.send(Message{Command: CmdErr, Data: fault.Value()}); err != nil {
			return Message{}, err
		}
	}
}

// startCommand opens the hook and statistics window of one command and
// returns the function that closes it.
func (s *Session) startCommand(info DispatchInfo) func(err error) {
	parentStats := s.stats
	stats := &CommandStatistics{}
	s.stats = stats

	parentCtx := s.runCtx
	var token HookToken
	var hookActive bool
	if s.hook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook start panic", "err", rv)
				}
			}()
			hookCtx, t := s.hook.OnDispatchStart(parentCtx, info)
			token = t
			if hookCtx != nil {
				s.runCtx = hookCtx
			}
			hookActive = true
		}()
	}

	return func(err error) {
		ctx := s.runCtx
		s.runCtx = parentCtx
		s.stats = parentStats
		if parentStats != nil {
			parentStats.add(stats)
		}
		if !hookActive {
			return
		}
		defer func() {
			if rv := recover(); rv != nil {
				s.logger.Error("dispatch hook end panic", "err", rv)
			}
		}()
		s.hook.OnDispatchEnd(ctx, token, info, stats, err)
	}
}

// resync re-reads the support names after a unit. A rebinding to a usable
// value is honoured; anything else is restored to the default.
func (s *Session) resync() {
	names := make([]string, 0, len(s.defaults))
	for name := range s.defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := s.ctx.Get(name)
		if ok && usable(name, v) {
			continue
		}
		if ok {
			s.logger.Warn("restoring bridge binding", "name", name, "found", typeName(v))
		}
		s.ctx.Set(name, s.defaults[name])
	}
	s.localHandler = s.handler(NameLocalHandler)
	s.peerHandler = s.handler(NamePeerHandler)
}

func (s *Session) handler(name string) starlark.Callable {
	v, _ := s.ctx.Get(name)
	if c, ok := v.(starlark.Callable); ok {
		return c
	}
	return s.defaults[name].(starlark.Callable)
}

func usable(name string, v starlark.Value) bool {
	if name == NameNull {
		return v == starlark.None
	}
	_, ok := v.(starlark.Callable)
	return ok
}

// report hands a fault to the failure handler for its origin. Handler
// failures are logged and otherwise ignored.
func (s *Session) report(f *Fault) {
	h := s.localHandler
	if f.Category == CategoryPeer {
		h = s.peerHandler
	}
	s.logger.Debug("session: reporting failure", "tag", f.Tag(), "type", f.Type, "handler", h.Name())

	au := s.push("<handler>")
	_, err := starlark.Call(au.thread, h, starlark.Tuple{faultStruct(f)}, nil)
	s.pop()
	if err == nil && au.pending != nil {
		err = au.pending
	}
	if err != nil {
		s.logger.Error("failure handler failed", "handler", h.Name(), "err", err)
	}
}

// faultStruct is the value failure handlers receive.
func faultStruct(f *Fault) *starlarkstruct.Struct {
	frames := make([]starlark.Value, 0, len(f.Frames))
	for _, fr := range f.Frames {
		frames = append(frames, starlarkstruct.FromStringDict(starlark.String("frame"), starlark.StringDict{
			"file":     starlark.String(fr.File),
			"line":     starlark.MakeInt(fr.Line),
			"function": starlark.String(fr.Function),
			"text":     starlark.String(fr.Text),
		}))
	}
	return starlarkstruct.FromStringDict(starlark.String("fault"), starlark.StringDict{
		"category":  starlark.String(f.Tag()),
		"type":      starlark.String(f.Type),
		"message":   starlark.String(f.Message),
		"traceback": starlark.Tuple(frames),
		"text":      starlark.String(f.Backtrace()),
	})
}

// describeFault is the default failure handler: it writes the backtrace to
// the diagnostic stream.
func (s *Session) describeFault(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fault starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &fault); err != nil {
		return nil, err
	}
	text := fault.String()
	if st, ok := fault.(*starlarkstruct.Struct); ok {
		if v, err := st.Attr("text"); err == nil {
			if str, ok := starlark.AsString(v); ok {
				text = str
			}
		}
	}
	fmt.Fprintln(s.diagnostics, text)
	return starlark.None, nil
}

func routineArgs(b *starlark.Builtin, args starlark.Tuple) (string, starlark.Tuple, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%s: missing routine name", b.Name())
	}
	name, ok := starlark.AsString(args[0])
	if !ok || name == "" {
		return "", nil, fmt.Errorf("%s: routine name must be a non-empty string, got %s", b.Name(), args[0].Type())
	}
	return name, args[1:], nil
}

// callScope builds the transient bindings of a pending call.
func callScope(args starlark.Tuple, kwargs []starlark.Tuple) starlark.StringDict {
	kw := starlark.NewDict(len(kwargs))
	for _, kv := range kwargs {
		_ = kw.SetKey(kv[0], kv[1])
	}
	if args == nil {
		args = starlark.Tuple{}
	}
	return starlark.StringDict{ScopeArgs: args, ScopeKwargs: kw}
}
