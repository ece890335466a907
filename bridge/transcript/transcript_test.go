// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package transcript_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/Query-farm/starbridge/bridge"
	"github.com/Query-farm/starbridge/bridge/transcript"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
)

// scripted is a transport that answers from a fixed list of frames.
type scripted struct {
	incoming [][]byte
	sent     [][]byte
	closed   bool
}

func (s *scripted) Send(p []byte) error {
	s.sent = append(s.sent, p)
	return nil
}

func (s *scripted) Receive() ([]byte, error) {
	if len(s.incoming) == 0 {
		return nil, bridge.ErrDisconnected
	}
	p := s.incoming[0]
	s.incoming = s.incoming[1:]
	return p, nil
}

func (s *scripted) Close() error {
	s.closed = true
	return nil
}

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closingBuffer) Close() error {
	c.closed = true
	return nil
}

func TestRecordAndReplay(t *testing.T) {
	inner := &scripted{incoming: [][]byte{[]byte("exec"), {}}}
	var out closingBuffer
	rec, err := transcript.NewRecorder(inner, &out)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	if err := rec.Send([]byte("ready")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for range 2 {
		if _, err := rec.Receive(); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
	if _, err := rec.Receive(); !errors.Is(err, bridge.ErrDisconnected) {
		t.Fatalf("Receive error = %v, want the inner transport's", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.closed || !out.closed {
		t.Errorf("closed transport=%v writer=%v, want both", inner.closed, out.closed)
	}

	r, err := transcript.NewReader(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got, err := r.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	want := []transcript.Record{
		{Direction: transcript.Sent, Payload: []byte("ready")},
		{Direction: transcript.Received, Payload: []byte("exec")},
		{Direction: transcript.Received, Payload: []byte{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

// compressed returns raw as one zstd stream.
func compressed(t *testing.T, raw []byte) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestReaderFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"short payload", []byte{'S', 5, 0, 0, 0, 'a', 'b'}, io.ErrUnexpectedEOF},
		{"short header", []byte{'R', 5, 0}, io.ErrUnexpectedEOF},
		{"bad direction", []byte{'X', 0, 0, 0, 0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := transcript.NewReader(compressed(t, tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			_, err = r.All()
			if err == nil {
				t.Fatalf("All succeeded on a damaged transcript")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("All error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDirectionString(t *testing.T) {
	if transcript.Sent.String() != "sent" || transcript.Received.String() != "received" {
		t.Errorf("got %s/%s", transcript.Sent, transcript.Received)
	}
}
