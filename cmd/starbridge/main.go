// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command starbridge is the worker process of the bridge. The host starts
// it with the session name it is listening on; the worker connects,
// announces itself and serves until the host goes away.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Query-farm/starbridge/bridge"
	bridgeotel "github.com/Query-farm/starbridge/bridge/otel"
	"github.com/Query-farm/starbridge/bridge/tabular"
	"github.com/Query-farm/starbridge/bridge/transcript"
	"github.com/spf13/cobra"
)

// usageError marks failures caused by how the worker was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	os.Exit(exitCode(newRootCommand().Execute()))
}

// exitCode maps the command result to the process status: 0 after the host
// disconnected, 2 for usage errors, 1 for everything else.
func exitCode(err error) int {
	var u usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &u):
		return 2
	}
	return 1
}

func newRootCommand() *cobra.Command {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:   "starbridge <session-name>",
		Short: "Serve a host process as a Starlark execution worker",
		Long: "starbridge connects to the endpoint the host created for <session-name>\n" +
			"(a named pipe on Windows, a Unix domain socket elsewhere), announces\n" +
			"itself and runs the code units the host sends until it disconnects.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError{fmt.Errorf("expected exactly one session name, got %d arguments", len(args))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Name = args[0]
			if err := cfg.validate(); err != nil {
				return usageError{err}
			}
			cmd.SilenceUsage = true
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	cfg.bindFlags(cmd)
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.newLogger(os.Stderr)
	slog.SetDefault(logger)

	shutdown, err := setupTelemetry(cfg.Otel, os.Stderr)
	if err != nil {
		return usageError{err}
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("telemetry shutdown failed", "err", err)
		}
	}()

	bridge.IgnoreInterrupts()

	framed, err := bridge.Dial(cfg.Name)
	if err != nil {
		return err
	}
	framed.SetMaxPayload(cfg.MaxPayload)

	var transport bridge.Transport = framed
	if cfg.DebugFrames {
		transport = &frameLogger{inner: transport, logger: logger}
	}
	if cfg.Record != "" {
		f, err := os.Create(cfg.Record)
		if err != nil {
			framed.Close()
			return fmt.Errorf("opening transcript: %w", err)
		}
		rec, err := transcript.NewRecorder(transport, f)
		if err != nil {
			f.Close()
			framed.Close()
			return fmt.Errorf("opening transcript: %w", err)
		}
		transport = rec
	}
	closer := &onceCloser{t: transport}

	ev := bridge.NewStarlark()
	ev.MaxSteps = cfg.MaxSteps
	session := bridge.NewSession(closer, ev)
	session.SetLogger(logger)
	session.Bind(tabular.ModuleName, tabular.Module)
	if cfg.Otel != "none" {
		bridgeotel.Instrument(session, bridgeotel.DefaultConfig())
	}

	// SIGTERM closes the transport, which the session sees as the host
	// going away.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			logger.Info("terminating on signal")
			closer.Close()
		}
	}()

	logger.Info("worker starting", "session", cfg.Name, "session_id", session.SessionID(), "pid", os.Getpid())
	runErr := session.Run(ctx)
	closeErr := closer.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing transport: %w", closeErr)
	}
	return nil
}

// onceCloser lets the signal handler and the normal exit path both close
// the transport.
type onceCloser struct {
	t    bridge.Transport
	once sync.Once
	err  error
}

func (c *onceCloser) Send(payload []byte) error { return c.t.Send(payload) }
func (c *onceCloser) Receive() ([]byte, error)  { return c.t.Receive() }

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.t.Close() })
	return c.err
}

// frameLogger logs the command and size of every frame.
type frameLogger struct {
	inner  bridge.Transport
	logger *slog.Logger
}

func (l *frameLogger) Send(payload []byte) error {
	err := l.inner.Send(payload)
	l.log("frame sent", payload, err)
	return err
}

func (l *frameLogger) Receive() ([]byte, error) {
	payload, err := l.inner.Receive()
	l.log("frame received", payload, err)
	return payload, err
}

func (l *frameLogger) Close() error { return l.inner.Close() }

func (l *frameLogger) log(msg string, payload []byte, err error) {
	if err != nil {
		l.logger.Info(msg, "err", err)
		return
	}
	cm := "?"
	if m, decErr := bridge.DecodeMessage(payload); decErr == nil {
		cm = m.Command
	}
	l.logger.Info(msg, "cm", cm, "bytes", len(payload))
}
