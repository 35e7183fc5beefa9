package tracing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordSpans installs a recording provider for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func onlySpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	return spans[0]
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestStartDBSpanFor(t *testing.T) {
	tests := []struct {
		system    DBSystem
		table     string
		operation DBOperation
		wantName  string
	}{
		{DBSystemPostgres, "attendance_records", DBOperationUpsert, "upsert attendance_records"},
		{DBSystemPostgres, "incidents", DBOperationInsert, "insert incidents"},
		{DBSystemPostgres, "audit_logs", DBOperationUpdate, "update audit_logs"},
		{DBSystemPostgres, "idempotency_keys", DBOperationDelete, "delete idempotency_keys"},
		{DBSystemSQLite, "checkpoints", DBOperationQuery, "query checkpoints"},
		{DBSystemSQLite, "attendance_records", DBOperationUpsert, "upsert attendance_records"},
		{DBSystemSQLite, "", DBOperationExec, "exec"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.system, tt.wantName), func(t *testing.T) {
			recorder := recordSpans(t)

			_, end := StartDBSpanFor(context.Background(), tt.system, tt.table, tt.operation)
			end(nil)

			span := onlySpan(t, recorder)
			if span.Name() != tt.wantName {
				t.Errorf("name = %q, want %q", span.Name(), tt.wantName)
			}
			if span.SpanKind() != trace.SpanKindClient {
				t.Errorf("kind = %v, want client", span.SpanKind())
			}
			if got := span.InstrumentationScope().Name; got != TracerName+"/db" {
				t.Errorf("scope = %q, want %s/db", got, TracerName)
			}

			a := attrs(span)
			if got := a["db.system"].AsString(); got != string(tt.system) {
				t.Errorf("db.system = %q, want %q", got, tt.system)
			}
			if got := a["db.operation"].AsString(); got != string(tt.operation) {
				t.Errorf("db.operation = %q, want %q", got, tt.operation)
			}
			table, ok := a["db.sql.table"]
			switch {
			case tt.table == "" && ok:
				t.Errorf("unexpected db.sql.table %q", table.AsString())
			case tt.table != "" && table.AsString() != tt.table:
				t.Errorf("db.sql.table = %q, want %q", table.AsString(), tt.table)
			}
		})
	}
}

func TestStartDBSpan_IsPostgres(t *testing.T) {
	recorder := recordSpans(t)

	_, end := StartDBSpan(context.Background(), "incidents", DBOperationQuery)
	end(nil)

	if got := attrs(onlySpan(t, recorder))["db.system"].AsString(); got != "postgresql" {
		t.Errorf("db.system = %q, want postgresql", got)
	}
}

func TestEnd_ErrorHandling(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCode     codes.Code
		wantCanceled bool
	}{
		{"success", nil, codes.Unset, false},
		{"store failure", errors.New("connection refused"), codes.Error, false},
		{"client hung up", fmt.Errorf("listing incidents: %w", context.Canceled), codes.Unset, true},
		{"deadline", context.DeadlineExceeded, codes.Error, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := recordSpans(t)

			_, end := StartSpan(context.Background(), "incident.report")
			end(tt.err)

			span := onlySpan(t, recorder)
			if span.Status().Code != tt.wantCode {
				t.Errorf("status = %v, want %v", span.Status().Code, tt.wantCode)
			}
			if tt.wantCode == codes.Error && span.Status().Description != tt.err.Error() {
				t.Errorf("description = %q, want %q", span.Status().Description, tt.err.Error())
			}
			_, canceled := attrs(span)[AttrCanceled]
			if canceled != tt.wantCanceled {
				t.Errorf("canceled attribute present = %v, want %v", canceled, tt.wantCanceled)
			}
			if recorded := len(span.Events()) > 0; recorded != (tt.wantCode == codes.Error) {
				t.Errorf("exception event recorded = %v", recorded)
			}
		})
	}
}

func TestStartSpan_Attributes(t *testing.T) {
	recorder := recordSpans(t)

	_, end := StartSpan(context.Background(), "attendance.check_in",
		AttrTourID.String("tour-paris"),
		AttrCheckpointID.String("cp-louvre"),
	)
	end(nil)

	span := onlySpan(t, recorder)
	if got := span.InstrumentationScope().Name; got != TracerName {
		t.Errorf("scope = %q, want %q", got, TracerName)
	}
	a := attrs(span)
	if got := a[AttrTourID].AsString(); got != "tour-paris" {
		t.Errorf("tour id = %q", got)
	}
	if got := a[AttrCheckpointID].AsString(); got != "cp-louvre" {
		t.Errorf("checkpoint id = %q", got)
	}
}

func TestAddEventAndSetAttributes(t *testing.T) {
	recorder := recordSpans(t)

	ctx, end := StartSpan(context.Background(), "incident.report")
	SetAttributes(ctx, AttrIncidentKind.String("SOS"))
	AddEvent(ctx, "location_dropped", attribute.String("location_raw", "north"))
	end(nil)

	span := onlySpan(t, recorder)
	if got := attrs(span)[AttrIncidentKind].AsString(); got != "SOS" {
		t.Errorf("incident kind = %q, want SOS", got)
	}

	events := span.Events()
	if len(events) != 1 || events[0].Name != "location_dropped" {
		t.Fatalf("events = %v", events)
	}
	if len(events[0].Attributes) != 1 || events[0].Attributes[0].Value.AsString() != "north" {
		t.Errorf("event attributes = %v", events[0].Attributes)
	}
}

func TestHelpers_NoSpanInContext(t *testing.T) {
	// Must not panic when ctx carries no recording span.
	ctx := context.Background()
	AddEvent(ctx, "geofence_evaluated")
	SetAttributes(ctx, AttrTourID.String("tour-paris"))
}
