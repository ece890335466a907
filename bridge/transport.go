// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
)

// DefaultMaxPayload is the largest frame payload: the host reads the length
// prefix as a signed 32-bit integer.
const DefaultMaxPayload = math.MaxInt32

// Transport moves whole frames between worker and host.
//
// Receive returns ErrDisconnected when the peer went away (a short read on
// the length prefix or the payload); that is the normal end of a session.
type Transport interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
}

// TransportStats counts frames and payload bytes in each direction.
type TransportStats struct {
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
}

// Framed is a Transport that prefixes every payload with its length as a
// 4-byte little-endian unsigned integer.
type Framed struct {
	rw         io.ReadWriteCloser
	maxPayload int
	header     [4]byte

	framesIn, framesOut atomic.Int64
	bytesIn, bytesOut   atomic.Int64
}

// NewFramed wraps a byte stream with length-prefixed framing.
func NewFramed(rw io.ReadWriteCloser) *Framed {
	return &Framed{rw: rw, maxPayload: DefaultMaxPayload}
}

// SetMaxPayload lowers the largest payload accepted in either direction.
// Values outside (0, DefaultMaxPayload] restore the default.
func (f *Framed) SetMaxPayload(n int) {
	if n <= 0 || n > DefaultMaxPayload {
		n = DefaultMaxPayload
	}
	f.maxPayload = n
}

// Send writes the length prefix and the payload as a single write.
func (f *Framed) Send(payload []byte) error {
	if len(payload) > f.maxPayload {
		return newFault(CategoryOversize, "OverflowError",
			"payload too large: %d bytes exceeds the %d byte limit", len(payload), f.maxPayload)
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := f.rw.Write(buf); err != nil {
		return transportError(err)
	}
	f.framesOut.Add(1)
	f.bytesOut.Add(int64(len(payload)))
	return nil
}

// Receive blocks until one whole frame has been read.
func (f *Framed) Receive() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.header[:]); err != nil {
		return nil, transportError(err)
	}
	n := binary.LittleEndian.Uint32(f.header[:])
	if uint64(n) > uint64(f.maxPayload) {
		return nil, newFault(CategoryOversize, "OverflowError",
			"incoming frame of %d bytes exceeds the %d byte limit", n, f.maxPayload)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		return nil, transportError(err)
	}
	f.framesIn.Add(1)
	f.bytesIn.Add(int64(n))
	return payload, nil
}

// Close releases the underlying stream.
func (f *Framed) Close() error {
	return f.rw.Close()
}

// Stats returns a snapshot of the frame counters.
func (f *Framed) Stats() TransportStats {
	return TransportStats{
		FramesIn:  f.framesIn.Load(),
		FramesOut: f.framesOut.Load(),
		BytesIn:   f.bytesIn.Load(),
		BytesOut:  f.bytesOut.Load(),
	}
}

// transportError maps an I/O error to ErrDisconnected when it means the
// peer is gone and to a transport fault otherwise.
func transportError(err error) error {
	if isTransportClosed(err) {
		return &Fault{
			Category: CategoryDisconnected,
			Type:     ErrDisconnected.Type,
			Message:  ErrDisconnected.Message,
			cause:    err,
		}
	}
	return wrapFault(CategoryTransport, "OSError", err)
}

// isTransportClosed returns true for errors that indicate the peer closed
// its end of the stream.
func isTransportClosed(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "pipe has been ended")
}
