package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestExpvarMetricsRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	ctx := context.Background()

	rec.Observe(ctx, "create_permit", true, 20*time.Millisecond)
	rec.Observe(ctx, "create_permit", true, 30*time.Millisecond)
	rec.Observe(ctx, "create_permit", false, 5*time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond)

	snap := rec.Snapshot()
	if got := snap.DurationsMS["create_permit"]; got != 55 {
		t.Fatalf("duration total = %v, want 55", got)
	}
	if snap.Results["create_permit"]["success"] != 2 || snap.Results["create_permit"]["error"] != 1 {
		t.Fatalf("result counters = %+v", snap.Results)
	}
	if len(snap.DurationsMS) != 1 {
		t.Fatalf("empty operation must be ignored: %+v", snap.DurationsMS)
	}
}

func TestJSONTracerRecordsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)

	_, span := tracer.Start(context.Background(), "transition_status")
	span.End(nil)
	_, span = tracer.Start(context.Background(), "transition_status")
	span.End(errors.New("boom"))

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("entry count = %d", len(entries))
	}
	if entries[0].Status != "success" || entries[1].Status != "error" || entries[1].Error != "boom" {
		t.Fatalf("entries = %+v", entries)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("line count = %d", len(lines))
	}
	var decoded JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if decoded.Operation != "transition_status" || decoded.Error != "boom" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx := context.Background()

	rec.Observe(ctx, "create_permit", true, 12*time.Millisecond)
	rec.Observe(ctx, "create_permit", false, 3*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	if !found["permitcore_service_operation_duration_seconds"] {
		t.Fatalf("duration histogram not registered: %v", found)
	}
	if !found["permitcore_service_operation_results_total"] {
		t.Fatalf("result counter not registered: %v", found)
	}
}

func TestServiceInstrumentFeedsMetricsAndTraces(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	tracer := NewJSONTracer(nil)
	service := NewInMemoryService(
		WithMetricsRecorder(rec),
		WithTracer(tracer),
		WithLogger(quietTestLogger()),
	)

	if _, err := service.GetSnapshot(context.Background(), "WP-404"); err == nil {
		t.Fatalf("expected not found")
	}

	snap := rec.Snapshot()
	if snap.Results["get_snapshot"]["error"] != 1 {
		t.Fatalf("metrics not recorded: %+v", snap.Results)
	}
	entries := tracer.Entries()
	if len(entries) != 1 || entries[0].Operation != "get_snapshot" || entries[0].Status != "error" {
		t.Fatalf("trace not recorded: %+v", entries)
	}
}
