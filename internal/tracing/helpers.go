package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for application spans.
const TracerName = "toursync"

// Span attribute keys shared by the services.
const (
	AttrTourID       = attribute.Key("toursync.tour_id")
	AttrCheckpointID = attribute.Key("toursync.checkpoint_id")
	AttrIncidentKind = attribute.Key("toursync.incident.kind")
	AttrCanceled     = attribute.Key("toursync.canceled")
)

// DBOperation is the db.operation attribute value.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpsert DBOperation = "upsert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// DBSystem is the db.system attribute value.
type DBSystem string

const (
	DBSystemPostgres DBSystem = "postgresql"
	DBSystemSQLite   DBSystem = "sqlite"
)

// StartDBSpan starts a client span for a PostgreSQL statement named
// "<operation> <table>". Call the returned func with the statement's error.
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance_records", tracing.DBOperationQuery)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	return StartDBSpanFor(ctx, DBSystemPostgres, table, operation)
}

// StartDBSpanFor is StartDBSpan for an explicit database system.
func StartDBSpanFor(ctx context.Context, system DBSystem, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", string(system)),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}

	ctx, span := otel.Tracer(TracerName+"/db").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span tagged with attrs, such as
// AttrTourID.String(id).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

// ender returns the func that closes span. A canceled context is marked with
// AttrCanceled instead of an error status; clients hanging up are not faults.
func ender(span trace.Span) func(error) {
	return func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			span.SetAttributes(AttrCanceled.Bool(true))
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span in ctx.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
