// Package telemetry wires the OTLP trace exporter. LLM calls and tool
// executions are spanned; everything else rides on log lines.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/agora"

// Config selects the exporter. Disabled tracing installs nothing; the otel
// default no-op provider keeps span helpers cheap.
type Config struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP collector
	Protocol    string // "http" or "grpc"
	ServiceName string
	Insecure    bool
}

// Setup installs the global tracer provider. The returned shutdown func
// flushes pending spans.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agora"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http", "":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartLLMSpan opens a span around one chat call.
func StartLLMSpan(ctx context.Context, agentID, serviceID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm.chat",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("llm.service", serviceID),
		))
}

// StartToolSpan opens a span around one tool execution.
func StartToolSpan(ctx context.Context, agentID, toolName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.exec",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("tool.name", toolName),
		))
}
