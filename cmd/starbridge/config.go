// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const envPrefix = "STARBRIDGE_"

// Config is the worker configuration. Flags override STARBRIDGE_*
// environment variables, which override the defaults.
type Config struct {
	Name        string // session name shared with the host
	LogLevel    string
	LogFormat   string // text or json
	MaxSteps    uint64
	MaxPayload  int
	Record      string // transcript file, empty to disable
	Otel        string // none or stdout
	DebugFrames bool
}

func defaultConfig() Config {
	return Config{
		LogLevel:    envString("LOG_LEVEL", "info"),
		LogFormat:   envString("LOG_FORMAT", "text"),
		MaxSteps:    envUint("MAX_STEPS", 0),
		MaxPayload:  int(envUint("MAX_PAYLOAD", 0)),
		Record:      envString("RECORD", ""),
		Otel:        envString("OTEL", "none"),
		DebugFrames: envBool("DEBUG_FRAMES", false),
	}
}

func (c *Config) bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	f.Uint64Var(&c.MaxSteps, "max-steps", c.MaxSteps, "execution step budget per unit, 0 for unbounded")
	f.IntVar(&c.MaxPayload, "max-payload", c.MaxPayload, "largest frame payload in bytes, 0 for the protocol limit")
	f.StringVar(&c.Record, "record", c.Record, "write a zstd-compressed frame transcript to this file")
	f.StringVar(&c.Otel, "otel", c.Otel, "telemetry exporter: none or stdout")
	f.BoolVar(&c.DebugFrames, "debug-frames", c.DebugFrames, "log every frame the worker sends and receives")
}

func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("session name must not be empty")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	switch c.Otel {
	case "none", "stdout":
	default:
		return fmt.Errorf("unknown telemetry exporter %q", c.Otel)
	}
	if c.MaxPayload < 0 {
		return fmt.Errorf("max payload must not be negative")
	}
	return nil
}

// newLogger builds the process logger. Logs always go to w (stderr), never
// to stdout.
func (c *Config) newLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	v := envString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "name", envPrefix+key, "value", v)
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(envString(key, ""))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "name", envPrefix+key, "value", v)
		return def
	}
	return b
}
