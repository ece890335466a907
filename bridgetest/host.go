// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bridgetest provides a scripted host for exercising a
// [bridge.Session] over an in-memory connection. Tests play the host side
// of the protocol one message at a time and assert on what the worker
// sends back.
package bridgetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/Query-farm/starbridge/bridge"
	"go.starlark.net/starlark"
)

// Timeout bounds every read the host makes.
var Timeout = 5 * time.Second

// Host is the host end of a running session.
type Host struct {
	t       testing.TB
	conn    net.Conn
	worker  *bridge.Framed
	framed  *bridge.Framed
	codec   bridge.Codec
	done    chan error
	closed  bool
	runErr  error
	Session *bridge.Session
	// Ready is the ready message the worker announced.
	Ready bridge.Message
	// Diagnostics collects what the default failure handlers wrote.
	Diagnostics *bytes.Buffer
	// Stdout collects script print output.
	Stdout *bytes.Buffer
}

// Option configures the host before the session starts.
type Option func(*Host)

// WithSession applies f to the session before it runs.
func WithSession(f func(*bridge.Session)) Option {
	return func(h *Host) { f(h.Session) }
}

// WithMaxPayload lowers the frame size limit of the worker's transport.
func WithMaxPayload(n int) Option {
	return func(h *Host) { h.worker.SetMaxPayload(n) }
}

// Start runs a session with the default evaluator and consumes its ready
// message. The session is stopped when the test ends.
func Start(t testing.TB, opts ...Option) *Host {
	return StartWith(t, nil, opts...)
}

// StartWith is Start with an explicit evaluator.
func StartWith(t testing.TB, ev bridge.Evaluator, opts ...Option) *Host {
	t.Helper()
	hostConn, workerConn := net.Pipe()

	worker := bridge.NewFramed(workerConn)
	s := bridge.NewSession(worker, ev)
	h := &Host{
		t:           t,
		conn:        hostConn,
		worker:      worker,
		framed:      bridge.NewFramed(hostConn),
		codec:       bridge.MsgpackCodec{},
		done:        make(chan error, 1),
		Session:     s,
		Diagnostics: &bytes.Buffer{},
		Stdout:      &bytes.Buffer{},
	}
	s.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetDiagnostics(h.Diagnostics)
	s.SetStdout(h.Stdout)
	for _, opt := range opts {
		opt(h)
	}

	go func() {
		err := s.Run(context.Background())
		workerConn.Close()
		h.done <- err
	}()
	t.Cleanup(func() { h.Close() })

	h.Ready = h.Receive()
	if h.Ready.Command != bridge.CmdReady {
		t.Fatalf("first message = %q, want %q", h.Ready.Command, bridge.CmdReady)
	}
	return h
}

// Send writes one message to the worker.
func (h *Host) Send(m bridge.Message) {
	h.t.Helper()
	payload, err := h.codec.Encode(m)
	if err != nil {
		h.t.Fatalf("encode %s: %v", m.Command, err)
	}
	h.SendRaw(payload)
}

// SendRaw writes one frame with an arbitrary payload.
func (h *Host) SendRaw(payload []byte) {
	h.t.Helper()
	h.conn.SetWriteDeadline(time.Now().Add(Timeout))
	if err := h.framed.Send(payload); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

// WriteRaw writes bytes to the connection without framing.
func (h *Host) WriteRaw(b []byte) {
	h.t.Helper()
	h.conn.SetWriteDeadline(time.Now().Add(Timeout))
	if _, err := h.conn.Write(b); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

// Receive reads one message from the worker.
func (h *Host) Receive() bridge.Message {
	h.t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(Timeout))
	payload, err := h.framed.Receive()
	if err != nil {
		h.t.Fatalf("receive: %v", err)
	}
	m, err := h.codec.Decode(payload)
	if err != nil {
		h.t.Fatalf("decode: %v", err)
	}
	return m
}

// Expect reads one message and fails the test unless its command is cmd.
func (h *Host) Expect(cmd string) bridge.Message {
	h.t.Helper()
	m := h.Receive()
	if m.Command != cmd {
		h.t.Fatalf("worker sent %q (%s), want %q", m.Command, describe(m), cmd)
	}
	return m
}

// Exec sends an exec unit and returns the worker's next message.
func (h *Host) Exec(src string) bridge.Message {
	h.t.Helper()
	h.Send(bridge.Message{Command: bridge.CmdExec, Data: starlark.String(src)})
	return h.Receive()
}

// Eval sends an eval unit and returns the worker's next message.
func (h *Host) Eval(src string) bridge.Message {
	h.t.Helper()
	h.Send(bridge.Message{Command: bridge.CmdEval, Data: starlark.String(src)})
	return h.Receive()
}

// MustExec runs an exec unit and fails the test unless it completes.
func (h *Host) MustExec(src string) {
	h.t.Helper()
	if m := h.Exec(src); m.Command != bridge.CmdDone {
		h.t.Fatalf("exec %q: worker sent %q (%s), want done", src, m.Command, describe(m))
	}
}

// MustEval runs an eval unit and returns its value.
func (h *Host) MustEval(src string) starlark.Value {
	h.t.Helper()
	m := h.Eval(src)
	if m.Command != bridge.CmdRes {
		h.t.Fatalf("eval %q: worker sent %q (%s), want res", src, m.Command, describe(m))
	}
	return m.Data
}

// Reply answers a pending call or step: cmd is retn, yld or stop.
func (h *Host) Reply(cmd, expr string) {
	h.t.Helper()
	m := bridge.Message{Command: cmd}
	if cmd != bridge.CmdStop {
		m.Data = starlark.String(expr)
	}
	h.Send(m)
}

// Fail answers a pending call or step with an err message.
func (h *Host) Fail(typ, message string, frames ...bridge.Frame) {
	h.t.Helper()
	f := &bridge.Fault{Category: bridge.CategoryPeer, Type: typ, Message: message, Frames: frames}
	h.Send(bridge.Message{Command: bridge.CmdErr, Data: f.Value()})
}

// Close disconnects the host and returns what Run returned.
func (h *Host) Close() error {
	if h.closed {
		return h.runErr
	}
	h.closed = true
	h.conn.Close()
	select {
	case h.runErr = <-h.done:
	case <-time.After(Timeout):
		h.runErr = errors.New("bridgetest: session did not stop")
	}
	return h.runErr
}

// Wait returns what Run returned without closing the connection, for
// sessions expected to end on their own.
func (h *Host) Wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		h.closed = true
		h.runErr = err
		h.conn.Close()
		return err
	case <-time.After(Timeout):
		h.t.Fatalf("session did not stop")
		return nil
	}
}

// Report is a decoded err message as the host sees it.
type Report struct {
	Tag     string
	Type    string
	Message string
	Frames  []bridge.Frame
}

// ParseErr decodes the payload of an err message.
func ParseErr(t testing.TB, m bridge.Message) Report {
	t.Helper()
	if m.Command != bridge.CmdErr {
		t.Fatalf("worker sent %q (%s), want err", m.Command, describe(m))
	}
	f, err := bridge.FaultFromValue(m.Data)
	if err != nil {
		t.Fatalf("malformed err payload %v: %v", m.Data, err)
	}
	r := Report{Type: f.Type, Message: f.Message, Frames: f.Frames}
	if items, ok := m.Data.(*starlark.List); ok && items.Len() > 0 {
		r.Tag, _ = starlark.AsString(items.Index(0))
	}
	return r
}

func describe(m bridge.Message) string {
	if m.Data == nil {
		return "no payload"
	}
	return m.Data.String()
}
