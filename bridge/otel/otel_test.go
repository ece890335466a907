// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bridgeotel_test

import (
	"context"
	"testing"

	"github.com/Query-farm/starbridge/bridge"
	bridgeotel "github.com/Query-farm/starbridge/bridge/otel"
	"github.com/Query-farm/starbridge/bridgetest"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type fixture struct {
	host   *bridgetest.Host
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func start(t *testing.T, cfg bridgeotel.Config) *fixture {
	t.Helper()
	f := &fixture{
		spans:  tracetest.NewSpanRecorder(),
		reader: sdkmetric.NewManualReader(),
	}
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	f.host = bridgetest.Start(t, bridgetest.WithSession(func(s *bridge.Session) {
		s.SetSessionID("otel-test")
		bridgeotel.Instrument(s, cfg)
	}))
	return f
}

func (f *fixture) span(t *testing.T, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range f.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no ended span named %q", name)
	return nil
}

func attr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpansNestAroundCalls(t *testing.T) {
	f := start(t, bridgeotel.DefaultConfig())
	h := f.host

	h.Exec(`___call_host("lookup", 1)`)
	h.Reply(bridge.CmdRetn, "args[0]")
	h.Expect(bridge.CmdDone)
	h.MustEval("1")

	exec := f.span(t, "starbridge/exec")
	call := f.span(t, "starbridge/call")

	if exec.SpanKind() != trace.SpanKindServer {
		t.Errorf("exec span kind = %v, want server", exec.SpanKind())
	}
	if call.SpanKind() != trace.SpanKindClient {
		t.Errorf("call span kind = %v, want client", call.SpanKind())
	}
	if call.Parent().SpanID() != exec.SpanContext().SpanID() {
		t.Errorf("call span is not a child of the exec span")
	}
	if v, ok := attr(call, "starbridge.func"); !ok || v.AsString() != "lookup" {
		t.Errorf("starbridge.func = %v", v)
	}
	if v, ok := attr(call, "starbridge.depth"); !ok || v.AsInt64() != 0 {
		t.Errorf("starbridge.depth = %v", v)
	}
	if v, ok := attr(exec, "starbridge.session_id"); !ok || v.AsString() != "otel-test" {
		t.Errorf("starbridge.session_id = %v", v)
	}
	if v, ok := attr(exec, "starbridge.frames_out"); !ok || v.AsInt64() < 2 {
		t.Errorf("exec frames_out = %v, want the call and the done", v)
	}
	if exec.Status().Code != codes.Ok {
		t.Errorf("exec status = %v", exec.Status())
	}
}

func TestFailedUnitSpan(t *testing.T) {
	f := start(t, bridgeotel.DefaultConfig())
	h := f.host

	bridgetest.ParseErr(t, h.Eval("1 // 0"))
	h.MustEval("1")

	s := f.span(t, "starbridge/eval")
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status())
	}
	if v, _ := attr(s, "starbridge.error_category"); v.AsString() != "local/arithmetic" {
		t.Errorf("error_category = %q", v.AsString())
	}
	if v, _ := attr(s, "starbridge.error_type"); v.AsString() != "ZeroDivisionError" {
		t.Errorf("error_type = %q", v.AsString())
	}
	if len(s.Events()) == 0 {
		t.Errorf("no exception event recorded")
	}
}

func TestCommandMetrics(t *testing.T) {
	cfg := bridgeotel.DefaultConfig()
	cfg.EnableTracing = false
	f := start(t, cfg)
	h := f.host

	h.MustExec("x = 1")
	bridgetest.ParseErr(t, h.Eval("undefined_name"))
	h.MustEval("x")

	if n := len(f.spans.Ended()); n != 0 {
		t.Errorf("%d spans recorded with tracing disabled", n)
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total, failed int64
	var sawDuration bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "starbridge.commands":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("starbridge.commands is %T", m.Data)
				}
				for _, dp := range sum.DataPoints {
					total += dp.Value
					if v, ok := dp.Attributes.Value("status"); ok && v.AsString() == "error" {
						failed += dp.Value
					}
				}
			case "starbridge.command.duration":
				sawDuration = true
			}
		}
	}
	if total < 2 {
		t.Errorf("starbridge.commands total = %d, want at least 2", total)
	}
	if failed != 1 {
		t.Errorf("failed commands = %d, want 1", failed)
	}
	if !sawDuration {
		t.Errorf("no duration histogram recorded")
	}
}
