package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var tracing atomic.Bool

// tracingConfig is read from the standard OTEL_* variables.
type tracingConfig struct {
	endpoint    string
	insecure    bool
	sampleRatio float64
}

func loadTracingConfig() tracingConfig {
	cfg := tracingConfig{
		endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false",
		sampleRatio: 1,
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			cfg.sampleRatio = r
		}
	}
	return cfg
}

// InitTracing installs an OTLP/gRPC tracer provider. Without
// OTEL_EXPORTER_OTLP_ENDPOINT spans go to the no-op provider. The returned
// func flushes and stops the exporter.
func InitTracing(service, version string) (func(), error) {
	cfg := loadTracingConfig()
	if cfg.endpoint == "" {
		slog.Debug("tracing disabled")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.endpoint)}
	if cfg.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	tracing.Store(true)
	slog.Info("tracing enabled", slog.String("endpoint", cfg.endpoint), slog.Float64("sample_ratio", cfg.sampleRatio))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("tracer shutdown", slog.Any("err", err))
		}
		tracing.Store(false)
	}, nil
}

// IsTracingEnabled reports whether InitTracing installed an exporter.
func IsTracingEnabled() bool { return tracing.Load() }

// StartSpan starts a span on the named tracer, tagged with the context's
// correlation id when there is one.
func StartSpan(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func ChannelAttr(name string) attribute.KeyValue { return attribute.String("dvr.channel", name) }

func RecordingAttr(key string) attribute.KeyValue { return attribute.String("dvr.recording", key) }

func HTTPMethodAttr(m string) attribute.KeyValue { return semconv.HTTPMethod(m) }

func HTTPRouteAttr(r string) attribute.KeyValue { return semconv.HTTPRoute(r) }

// SetSpanHTTPStatus records the response status; 5xx marks the span failed.
func SetSpanHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(semconv.HTTPStatusCode(status))
	if status >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}
