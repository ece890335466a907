// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package bridge

import (
	"os"
	"os/signal"
	"time"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

// dialTimeout bounds how long Dial waits for a busy pipe instance.
var dialTimeout = 10 * time.Second

// PipePath returns the local named pipe path for the session name.
func PipePath(name string) string {
	return pipePrefix + name
}

// Dial connects to the host's named pipe for the session name.
func Dial(name string) (*Framed, error) {
	conn, err := winio.DialPipe(PipePath(name), &dialTimeout)
	if err != nil {
		return nil, wrapFault(CategoryTransport, "ConnectionError", err)
	}
	return NewFramed(conn), nil
}

// IgnoreInterrupts keeps console interrupts from killing the worker in the
// middle of a frame.
func IgnoreInterrupts() {
	signal.Ignore(os.Interrupt)
}
