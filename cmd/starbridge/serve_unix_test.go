// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Query-farm/starbridge/bridge"
	"github.com/Query-farm/starbridge/bridge/transcript"
	"go.starlark.net/starlark"
)

func TestServeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)
	ln, err := net.Listen("unix", bridge.SocketPath("e2e"))
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()

	cfg := defaultConfig()
	cfg.Name = "e2e"
	cfg.LogLevel = "error"
	cfg.Record = filepath.Join(dir, "session.zst")

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), cfg) }()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	host := bridge.NewFramed(conn)

	receive := func() bridge.Message {
		t.Helper()
		payload, err := host.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		m, err := bridge.DecodeMessage(payload)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		return m
	}
	send := func(m bridge.Message) {
		t.Helper()
		payload, err := bridge.EncodeMessage(m)
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		if err := host.Send(payload); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if m := receive(); m.Command != bridge.CmdReady {
		t.Fatalf("first message = %q, want ready", m.Command)
	}
	send(bridge.Message{Command: bridge.CmdEval, Data: starlark.String(`len(table.decode(table.encode([{"a": 1}, {"a": 2}])))`)})
	if m := receive(); m.Command != bridge.CmdRes || m.Data.String() != "2" {
		t.Fatalf("got %q %v, want res 2", m.Command, m.Data)
	}
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v after disconnect, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after disconnect")
	}

	f, err := os.Open(cfg.Record)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	defer f.Close()
	r, err := transcript.NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	records, err := r.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	var dirs []transcript.Direction
	for _, rec := range records {
		dirs = append(dirs, rec.Direction)
	}
	want := []transcript.Direction{transcript.Sent, transcript.Received, transcript.Sent}
	if len(dirs) != len(want) {
		t.Fatalf("recorded %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("record %d is %s, want %s", i, dirs[i], want[i])
		}
	}
}

func TestServeWithoutHost(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	cfg := defaultConfig()
	cfg.Name = "nobody-listening"
	cfg.LogLevel = "error"
	if err := serve(context.Background(), cfg); exitCode(err) != 1 {
		t.Errorf("serve = %v, want a transport failure", err)
	}
}
