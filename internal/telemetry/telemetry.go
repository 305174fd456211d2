// Package telemetry wires the optional OpenTelemetry trace and metric
// providers to an OTLP gRPC collector. Those two are the only signals this
// daemon emits (the sync engine opens a span and bumps counters per cycle);
// application logs go to stderr via slog. Both exporters share one gRPC
// connection.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc].
// When no collector is configured, Setup is never called and the global
// providers stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config mirrors the telemetry block of the YAML config.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure disables TLS for local collectors without a certificate.
	Insecure bool

	// ServiceName overrides the service.name resource attribute.
	// Defaults to "lexisync".
	ServiceName string

	// Headers is attached to every OTLP request as gRPC metadata, typically
	// an Authorization bearer token.
	Headers map[string]string
}

// ShutdownFunc flushes and closes the providers. Call it with a fresh
// context; the main context is usually already cancelled when shutdown runs.
type ShutdownFunc func(context.Context) error

// Setup installs global trace and metric providers exporting to
// cfg.OTLPEndpoint. The returned ShutdownFunc is always non-nil (a no-op on
// error) so callers can defer it unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := buildResource(cfg.ServiceName)
	if err != nil {
		return noopShutdown, err
	}
	conn, err := dialCollector(cfg)
	if err != nil {
		return noopShutdown, err
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		_ = conn.Close()
		return noopShutdown, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = conn.Close()
		return noopShutdown, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(
			wrapErr("trace provider shutdown", tp.Shutdown(ctx)),
			wrapErr("metric provider shutdown", mp.Shutdown(ctx)),
			wrapErr("closing OTLP connection", conn.Close()),
		)
	}, nil
}

// buildResource merges the service identity into the SDK defaults.
// NewSchemaless sidesteps the schema URL clash between resource.Default()
// and this package's semconv version.
func buildResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "lexisync"
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

// dialCollector opens the single gRPC connection both exporters share.
func dialCollector(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil) // system root CAs
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func wrapErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func noopShutdown(context.Context) error { return nil }
