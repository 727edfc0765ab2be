// Package otel sets up tracing for convo and names the span attributes the
// actor packages share.
package otel

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	ActorID       = attribute.Key("actor.id")
	EventIndex    = attribute.Key("event.index")
	EventType     = attribute.Key("event.type")
	EventCount    = attribute.Key("events.count")
	ToolName      = attribute.Key("tool.name")
	ToolKind      = attribute.Key("tool.kind")
	ToolCallID    = attribute.Key("tool.call_id")
	ConnectionKey = attribute.Key("connection.key")
)

// Config controls tracing setup.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// UseStdout exports spans as JSON to Writer, or stdout when Writer is nil.
	UseStdout bool
	Writer    io.Writer
	// SampleRatio samples root spans; 0 means always.
	SampleRatio float64
}

// Init installs a global tracer provider and returns its shutdown func.
// Without an exporter spans are still created, so trace ids propagate
// through logs and outgoing requests.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "convo"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = os.Getenv("CONVO_VERSION")
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithProcess(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler)}
	if cfg.UseStdout {
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(200*time.Millisecond)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the tracer of a convo package.
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer("github.com/wilhg/convo/" + pkg)
}
