// Package otel provides OpenTelemetry setup for freeroute.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/freeroute/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled controls whether OTLP push (traces + metrics) is active.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stderr (for debugging).
	StdOut bool

	// PrometheusPort, when > 0, enables a Prometheus metric reader. The
	// listener itself is owned by the caller; see Telemetry.MetricsHandler.
	PrometheusPort int
}

// Telemetry owns the providers installed by Setup.
type Telemetry struct {
	shutdownFuncs []func(context.Context) error
	registry      *prometheus.Registry
}

// Setup configures the global OpenTelemetry providers for serviceName.
// Call it once at startup and Shutdown the result on exit.
//
// Providers are installed based on what is enabled:
//   - cfg.Enabled: OTLP push for traces and metrics
//   - cfg.StdOut: stderr exporters for both signals
//   - cfg.PrometheusPort > 0: Prometheus metric reader
//
// With nothing enabled the otel no-op providers stay in place.
func Setup(ctx context.Context, serviceName string, cfg Config) (t *Telemetry, err error) {
	t = &Telemetry{}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, t.Shutdown(ctx))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		handleErr(err)
		return nil, err
	}

	if cfg.Enabled || cfg.StdOut {
		tracerProvider, tErr := newTraceProvider(ctx, res, cfg)
		if tErr != nil {
			handleErr(tErr)
			return nil, err
		}
		t.shutdownFuncs = append(t.shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	if cfg.Enabled || cfg.StdOut || cfg.PrometheusPort > 0 {
		meterProvider, mErr := t.newMeterProvider(ctx, res, cfg)
		if mErr != nil {
			handleErr(mErr)
			return nil, err
		}
		t.shutdownFuncs = append(t.shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	return t, nil
}

// Shutdown flushes and stops every provider. It is safe to call more than
// once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range t.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdownFuncs = nil
	return err
}

// MetricsHandler serves the Prometheus exposition of the collected
// metrics. It returns nil unless Prometheus export was enabled.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t == nil || t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// newTraceProvider creates a TracerProvider with the enabled exporters.
func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	var exporters []trace.SpanExporter

	if cfg.Enabled {
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		traceExporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, traceExporter)
	}

	// Debug output goes to stderr, next to the logs.
	if cfg.StdOut {
		stdoutExporter, err := stdouttrace.New(
			stdouttrace.WithWriter(os.Stderr),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, stdoutExporter)
	}

	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
	}
	for _, exp := range exporters {
		providerOpts = append(providerOpts, trace.WithBatcher(exp,
			trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(providerOpts...), nil
}

// newMeterProvider creates a MeterProvider with the configured readers.
func (t *Telemetry) newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	var readers []metric.Reader

	if cfg.Enabled {
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}

		metricExporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(10*time.Second)))
	}

	if cfg.StdOut {
		stdoutExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(stdoutExporter,
			metric.WithInterval(10*time.Second)))
	}

	// Scraped from a private registry, not prometheus.DefaultRegisterer.
	if cfg.PrometheusPort > 0 {
		t.registry = prometheus.NewRegistry()
		promExp, err := promexporter.New(promexporter.WithRegisterer(t.registry))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, promExp)
	}

	providerOpts := []metric.Option{
		metric.WithResource(res),
	}
	for _, reader := range readers {
		providerOpts = append(providerOpts, metric.WithReader(reader))
	}

	return metric.NewMeterProvider(providerOpts...), nil
}
