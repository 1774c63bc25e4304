// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and defines the hub's instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope for every hub meter and tracer.
const ScopeName = "github.com/swax/naisys-hub"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the hub scope.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(ScopeName)
}

// Instruments are the hub's counters. A nil *Instruments is valid and
// records nothing, so components can be built without telemetry in tests.
type Instruments struct {
	Connections    metric.Int64UpDownCounter
	LogEntries     metric.Int64Counter
	CostEntries    metric.Int64Counter
	Heartbeats     metric.Int64Counter
	Broadcasts     metric.Int64Counter
	StoreRetries   metric.Int64Counter
	SyncRejections metric.Int64Counter
}

// NewInstruments registers the hub instruments on the global meter provider.
func NewInstruments() (*Instruments, error) {
	m := Meter(ScopeName)
	var (
		in  Instruments
		err error
	)
	if in.Connections, err = m.Int64UpDownCounter("hub.connections",
		metric.WithDescription("Open client connections")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.connections: %w", err)
	}
	if in.LogEntries, err = m.Int64Counter("hub.log_entries",
		metric.WithDescription("Transcript lines persisted")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.log_entries: %w", err)
	}
	if in.CostEntries, err = m.Int64Counter("hub.cost_entries",
		metric.WithDescription("Cost records persisted")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.cost_entries: %w", err)
	}
	if in.Heartbeats, err = m.Int64Counter("hub.heartbeats",
		metric.WithDescription("Heartbeats received")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.heartbeats: %w", err)
	}
	if in.Broadcasts, err = m.Int64Counter("hub.broadcasts",
		metric.WithDescription("Broadcast rounds sent")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.broadcasts: %w", err)
	}
	if in.StoreRetries, err = m.Int64Counter("hub.store_retries",
		metric.WithDescription("Storage operations retried after transient contention")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.store_retries: %w", err)
	}
	if in.SyncRejections, err = m.Int64Counter("hub.sync_rejections",
		metric.WithDescription("Sync payloads rejected by ownership validation")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.sync_rejections: %w", err)
	}
	return &in, nil
}

// ConnectionOpened and ConnectionClosed track the open connection gauge.
func (in *Instruments) ConnectionOpened(ctx context.Context, kind string) {
	if in != nil {
		in.Connections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (in *Instruments) ConnectionClosed(ctx context.Context, kind string) {
	if in != nil {
		in.Connections.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (in *Instruments) LogsWritten(ctx context.Context, n int) {
	if in != nil {
		in.LogEntries.Add(ctx, int64(n))
	}
}

func (in *Instruments) CostsWritten(ctx context.Context, n int) {
	if in != nil {
		in.CostEntries.Add(ctx, int64(n))
	}
}

func (in *Instruments) HeartbeatReceived(ctx context.Context) {
	if in != nil {
		in.Heartbeats.Add(ctx, 1)
	}
}

func (in *Instruments) Broadcast(ctx context.Context, event string) {
	if in != nil {
		in.Broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	}
}

func (in *Instruments) StoreRetry(ctx context.Context) {
	if in != nil {
		in.StoreRetries.Add(ctx, 1)
	}
}

func (in *Instruments) SyncRejected(ctx context.Context, table string) {
	if in != nil {
		in.SyncRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
	}
}
