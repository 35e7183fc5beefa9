// Package tracing provides OpenTelemetry distributed tracing setup and span
// helpers for the TourSync API server.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported as service.version. Release builds set it with -ldflags.
var Version = "dev"

// Exporter types accepted in Config.ExporterType.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// AttrStorageBackend records which store the process was started against.
const AttrStorageBackend = attribute.Key("toursync.storage")

const (
	exporterDialTimeout = 10 * time.Second
	batchTimeout        = 5 * time.Second
	maxExportBatchSize  = 512
)

var (
	ErrMissingServiceName  = errors.New("service name is required")
	ErrInvalidSamplingRate = errors.New("sampling rate must be between 0 and 1")
	ErrUnsupportedExporter = errors.New("unsupported exporter type")
)

// Config holds the configuration for distributed tracing.
type Config struct {
	ServiceName string
	Enabled     bool

	// Environment is exported as deployment.environment.
	Environment string

	// StorageBackend is one of postgres, sqlite or memory.
	StorageBackend string

	// ExporterType is ExporterOTLPHTTP (the default when empty) or ExporterOTLPGRPC.
	ExporterType string
	OTLPEndpoint string

	// SamplingRate is the fraction of root traces kept. Child spans follow
	// their parent's decision.
	SamplingRate float64

	// InsecureMode disables TLS towards the collector.
	InsecureMode bool
}

func (c Config) validate() error {
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidSamplingRate, c.SamplingRate)
	}
	switch c.ExporterType {
	case "", ExporterOTLPHTTP, ExporterOTLPGRPC:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedExporter, c.ExporterType)
	}
}

// Provider owns the SDK tracer provider. A disabled Provider falls back to
// the global no-op tracer.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider validates cfg, installs a global tracer provider and the W3C
// propagators, and returns a handle for shutdown.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		slog.Info("tracing disabled")
		return &Provider{}, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", exporterName(cfg.ExporterType), err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(batchTimeout),
			sdktrace.WithMaxExportBatchSize(maxExportBatchSize),
		),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing initialized",
		"service", cfg.ServiceName,
		"version", Version,
		"exporter", exporterName(cfg.ExporterType),
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate,
		"environment", cfg.Environment,
		"storage", cfg.StorageBackend,
	)

	return &Provider{tp: tp}, nil
}

// newResource describes this process: service identity, a per-process
// instance id, the deployment environment and the storage backend.
func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(Version),
		attribute.String("service.instance.id", uuid.NewString()),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	if cfg.StorageBackend != "" {
		attrs = append(attrs, AttrStorageBackend.String(cfg.StorageBackend))
	}

	return resource.New(context.Background(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func exporterName(t string) string {
	if t == "" {
		return ExporterOTLPHTTP
	}
	return t
}

// newExporter builds the OTLP exporter. Neither transport dials until the
// first batch is flushed.
func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	if cfg.ExporterType == ExporterOTLPGRPC {
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.InsecureMode {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}

	var opts []otlptracehttp.Option
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.InsecureMode {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}

	slog.Info("shutting down tracer provider")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns a named tracer. An empty name means TracerName.
func (p *Provider) Tracer(name string) trace.Tracer {
	if name == "" {
		name = TracerName
	}
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// IsEnabled reports whether spans are being exported.
func (p *Provider) IsEnabled() bool {
	return p.tp != nil
}
