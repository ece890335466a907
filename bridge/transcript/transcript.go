// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package transcript records the frames of a bridge session to a
// zstd-compressed file for later inspection.
//
// Each record is one direction byte ('S' for sent, 'R' for received), the
// payload length as a 4-byte little-endian integer, and the payload.
package transcript

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Query-farm/starbridge/bridge"
	"github.com/klauspost/compress/zstd"
)

// Direction marks who sent a recorded frame.
type Direction byte

const (
	Sent     Direction = 'S'
	Received Direction = 'R'
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	}
	return fmt.Sprintf("Direction(%d)", byte(d))
}

// Record is one frame of a transcript.
type Record struct {
	Direction Direction
	Payload   []byte
}

// Recorder is a bridge.Transport that copies every frame it moves to a
// compressed transcript. Recording failures are remembered and returned by
// Close; they never interrupt the session.
type Recorder struct {
	inner bridge.Transport
	out   io.Closer

	mu     sync.Mutex
	enc    *zstd.Encoder
	header [5]byte
	err    error
}

var _ bridge.Transport = (*Recorder)(nil)

// NewRecorder wraps t. The transcript is written to w; when w is also an
// io.Closer it is closed by Close.
func NewRecorder(t bridge.Transport, w io.Writer) (*Recorder, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	r := &Recorder{inner: t, enc: enc}
	if c, ok := w.(io.Closer); ok {
		r.out = c
	}
	return r, nil
}

// Send implements bridge.Transport.
func (r *Recorder) Send(payload []byte) error {
	if err := r.inner.Send(payload); err != nil {
		return err
	}
	r.record(Sent, payload)
	return nil
}

// Receive implements bridge.Transport.
func (r *Recorder) Receive() ([]byte, error) {
	payload, err := r.inner.Receive()
	if err != nil {
		return nil, err
	}
	r.record(Received, payload)
	return payload, nil
}

func (r *Recorder) record(d Direction, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.header[0] = byte(d)
	binary.LittleEndian.PutUint32(r.header[1:], uint32(len(payload)))
	if _, err := r.enc.Write(r.header[:]); err != nil {
		r.err = err
		return
	}
	if _, err := r.enc.Write(payload); err != nil {
		r.err = err
	}
}

// Flush pushes buffered records to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return r.enc.Flush()
}

// Close closes the wrapped transport and finishes the transcript.
func (r *Recorder) Close() error {
	err := r.inner.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	errs := []error{err, r.err, r.enc.Close()}
	if r.out != nil {
		errs = append(errs, r.out.Close())
	}
	return errors.Join(errs...)
}

// Reader replays a transcript.
type Reader struct {
	dec    *zstd.Decoder
	header [5]byte
}

// NewReader opens a transcript for reading. Close releases the decoder.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{dec: dec}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	if _, err := io.ReadFull(r.dec, r.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("transcript: truncated record header: %w", err)
		}
		return Record{}, err
	}
	d := Direction(r.header[0])
	if d != Sent && d != Received {
		return Record{}, fmt.Errorf("transcript: bad direction byte %#x", r.header[0])
	}
	n := binary.LittleEndian.Uint32(r.header[1:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.dec, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, fmt.Errorf("transcript: truncated %s record: %w", d, err)
	}
	return Record{Direction: d, Payload: payload}, nil
}

// All reads the remaining records.
func (r *Reader) All() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.dec.Close()
}
