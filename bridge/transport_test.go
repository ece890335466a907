// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/Query-farm/starbridge/bridge"
	"github.com/google/go-cmp/cmp"
)

// loopback is a byte stream that reads back what was written to it.
type loopback struct {
	bytes.Buffer
	closed bool
}

func (l *loopback) Close() error {
	l.closed = true
	return nil
}

type failing struct {
	err error
}

func (f failing) Read([]byte) (int, error)  { return 0, f.err }
func (f failing) Write([]byte) (int, error) { return 0, f.err }
func (f failing) Close() error              { return nil }

func TestFramedWireFormat(t *testing.T) {
	var buf loopback
	tr := bridge.NewFramed(&buf)
	if err := tr.Send([]byte("abc")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := []byte{3, 0, 0, 0, 'a', 'b', 'c'}
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Errorf("wire bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestFramedRoundTrip(t *testing.T) {
	var buf loopback
	tr := bridge.NewFramed(&buf)
	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xab}, 70000)}
	for _, p := range payloads {
		if err := tr.Send(p); err != nil {
			t.Fatalf("Send(%d bytes): %v", len(p), err)
		}
	}
	for i, want := range payloads {
		got, err := tr.Receive()
		if err != nil {
			t.Fatalf("Receive #%d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Receive #%d: got %d bytes, want %d", i, len(got), len(want))
		}
	}

	st := tr.Stats()
	if st.FramesOut != 3 || st.FramesIn != 3 {
		t.Errorf("frames out/in = %d/%d, want 3/3", st.FramesOut, st.FramesIn)
	}
	if st.BytesOut != st.BytesIn || st.BytesOut != 70005 {
		t.Errorf("bytes out/in = %d/%d, want 70005/70005", st.BytesOut, st.BytesIn)
	}

	if err := tr.Close(); err != nil || !buf.closed {
		t.Errorf("Close: err=%v closed=%v", err, buf.closed)
	}
}

func TestFramedShortReadIsDisconnect(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
	}{
		{"empty stream", nil},
		{"partial prefix", []byte{5, 0}},
		{"partial payload", []byte{10, 0, 0, 0, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &loopback{}
			buf.Write(tt.wire)
			_, err := bridge.NewFramed(buf).Receive()
			if !errors.Is(err, bridge.ErrDisconnected) {
				t.Fatalf("Receive error = %v, want ErrDisconnected", err)
			}
			if errors.Is(err, bridge.ErrTransport) {
				t.Errorf("disconnect must not match ErrTransport")
			}
		})
	}
}

func TestFramedOversize(t *testing.T) {
	var buf loopback
	tr := bridge.NewFramed(&buf)
	tr.SetMaxPayload(8)

	err := tr.Send(make([]byte, 9))
	if !errors.Is(err, bridge.ErrOversize) {
		t.Fatalf("Send error = %v, want ErrOversize", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversize send wrote %d bytes", buf.Len())
	}

	buf.Write([]byte{9, 0, 0, 0})
	if _, err := tr.Receive(); !errors.Is(err, bridge.ErrOversize) {
		t.Errorf("Receive error = %v, want ErrOversize", err)
	}
}

func TestFramedIOFaults(t *testing.T) {
	boom := errors.New("device on fire")
	tr := bridge.NewFramed(failing{err: boom})

	err := tr.Send([]byte("x"))
	if !errors.Is(err, bridge.ErrTransport) {
		t.Fatalf("Send error = %v, want ErrTransport", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Send error %v does not wrap the cause", err)
	}

	var f *bridge.Fault
	if !errors.As(err, &f) || !f.Fatal() {
		t.Errorf("transport fault should be fatal, got %#v", err)
	}

	for _, closed := range []error{io.ErrClosedPipe, net.ErrClosed} {
		_, err := bridge.NewFramed(failing{err: closed}).Receive()
		if !errors.Is(err, bridge.ErrDisconnected) {
			t.Errorf("Receive with %v = %v, want ErrDisconnected", closed, err)
		}
	}
}

func TestFramedOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	left, right := bridge.NewFramed(a), bridge.NewFramed(b)

	go func() {
		_ = left.Send([]byte("ping"))
	}()
	got, err := right.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("got %q, want ping", got)
	}

	a.Close()
	if _, err := right.Receive(); !errors.Is(err, bridge.ErrDisconnected) {
		t.Errorf("Receive after close = %v, want ErrDisconnected", err)
	}
}
