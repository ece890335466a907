// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package bridge

import (
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// socketPrefix is prepended to the session name by .NET named-pipe servers
// on Unix, which listen on a domain socket in the temp directory.
const socketPrefix = "CoreFxPipe_"

// SocketPath returns the domain socket path a host listens on for the
// given session name: $TMPDIR/CoreFxPipe_<name>, with /tmp when TMPDIR is
// unset.
func SocketPath(name string) string {
	dir := os.Getenv("TMPDIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, socketPrefix+name)
}

// Dial connects to the host's endpoint for the session name.
func Dial(name string) (*Framed, error) {
	conn, err := net.Dial("unix", SocketPath(name))
	if err != nil {
		return nil, wrapFault(CategoryTransport, "ConnectionError", err)
	}
	return NewFramed(conn), nil
}

// IgnoreInterrupts keeps console interrupts and SIGPIPE from killing the
// worker in the middle of a frame. Write errors on a closed pipe surface as
// ErrDisconnected instead.
func IgnoreInterrupts() {
	signal.Ignore(os.Interrupt, syscall.SIGPIPE)
}
