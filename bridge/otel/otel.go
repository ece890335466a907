// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bridgeotel provides OpenTelemetry instrumentation for bridge
// sessions. It implements the [bridge.DispatchHook] interface to add
// tracing and metrics to every unit and every host round trip.
//
// Usage:
//
//	session := bridge.NewSession(transport, nil)
//	bridgeotel.Instrument(session, bridgeotel.DefaultConfig())
package bridgeotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Query-farm/starbridge/bridge"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "starbridge"

// Config configures OpenTelemetry instrumentation for a session.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed commands.
	// Default true.
	RecordExceptions bool
	// WorkerName is the starbridge.worker attribute value. Defaults to
	// "starbridge".
	WorkerName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with tracing, metrics and exception
// recording enabled. Providers are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// Instrument attaches OpenTelemetry instrumentation to a session via
// [bridge.Session.SetDispatchHook].
func Instrument(session *bridge.Session, cfg Config) {
	session.SetDispatchHook(NewHook(cfg))
}

// NewHook builds the dispatch hook Instrument installs.
func NewHook(cfg Config) bridge.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.WorkerName == "" {
		cfg.WorkerName = "starbridge"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.commandCounter, _ = meter.Int64Counter("starbridge.commands",
			metric.WithUnit("{command}"),
			metric.WithDescription("Number of bridge commands"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("starbridge.command.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of bridge commands"),
		)
	}
	return hook
}

type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	commandCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart starts a span for the command. Inbound units are server
// spans, calls and steps toward the host are client spans.
func (h *otelHook) OnDispatchStart(ctx context.Context, info bridge.DispatchInfo) (context.Context, bridge.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("starbridge.worker", h.cfg.WorkerName),
		attribute.String("starbridge.command", info.Command),
		attribute.String("starbridge.direction", info.Direction),
		attribute.Int("starbridge.depth", info.Depth),
		attribute.String("starbridge.session_id", info.SessionID),
	}
	if info.Func != "" {
		attrs = append(attrs, attribute.String("starbridge.func", info.Func))
	}
	if info.HandleID != 0 {
		attrs = append(attrs, attribute.Int64("starbridge.handle_id", int64(info.HandleID)))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	kind := trace.SpanKindServer
	if info.Direction == bridge.DirectionOutbound {
		kind = trace.SpanKindClient
	}
	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("starbridge/%s", info.Command),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records metrics and frame counters and ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token bridge.HookToken, info bridge.DispatchInfo, stats *bridge.CommandStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("starbridge.worker", h.cfg.WorkerName),
			attribute.String("starbridge.command", info.Command),
			attribute.String("starbridge.direction", info.Direction),
			attribute.String("status", status),
		)
		if h.commandCounter != nil {
			h.commandCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("starbridge.frames_in", stats.FramesIn),
			attribute.Int64("starbridge.frames_out", stats.FramesOut),
			attribute.Int64("starbridge.bytes_in", stats.BytesIn),
			attribute.Int64("starbridge.bytes_out", stats.BytesOut),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		errType := fmt.Sprintf("%T", err)
		var fault *bridge.Fault
		if errors.As(err, &fault) {
			errType = fault.Type
			st.span.SetAttributes(attribute.String("starbridge.error_category", fault.Tag()))
		}
		st.span.SetAttributes(attribute.String("starbridge.error_type", errType))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
