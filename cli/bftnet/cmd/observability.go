package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexp "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tnoop "go.opentelemetry.io/otel/trace/noop"
)

const serviceVersion = "0.1.0"

/*
newObservability returns observability implementation with exporters
selected by "metrics" and "tracing", empty value disables the exporter.
Returned value is never nil, on error it holds whatever was initialized
before the failure and must still be shut down.
*/
func newObservability(metrics, tracing string, log *slog.Logger) (*observability, error) {
	o := &observability{
		mp:  noop.NewMeterProvider(),
		tp:  tnoop.NewTracerProvider(),
		log: log,
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName("bftnet"),
		semconv.ServiceVersion(serviceVersion),
	)

	if metrics != "" {
		mp, err := o.initMeterProvider(metrics, res)
		if err != nil {
			return o, fmt.Errorf("initialize meter provider: %w", err)
		}
		o.mp = mp
		o.shutdownFuncs = append(o.shutdownFuncs, mp.Shutdown)
	}

	if tracing != "" {
		tp, err := newTracerProvider(tracing, res)
		if err != nil {
			return o, fmt.Errorf("initialize tracer provider: %w", err)
		}
		o.tp = tp
		o.shutdownFuncs = append(o.shutdownFuncs, tp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return o, nil
}

type observability struct {
	mp  metric.MeterProvider
	tp  trace.TracerProvider
	pr  prometheus.Registerer
	log *slog.Logger

	shutdownFuncs []func(context.Context) error
}

func (o *observability) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, fn := range o.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func (o *observability) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, opts...)
}

func (o *observability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

func (o *observability) Logger() *slog.Logger {
	return o.log
}

// MetricsHandler returns nil unless Prometheus exporter is used.
func (o *observability) MetricsHandler() http.Handler {
	if o.pr == nil {
		return nil
	}
	return promhttp.HandlerFor(o.pr.(prometheus.Gatherer), promhttp.HandlerOpts{MaxRequestsInFlight: 1})
}

func (o *observability) PrometheusRegisterer() prometheus.Registerer {
	return o.pr
}

func (o *observability) initMeterProvider(exporter string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader
	switch exporter {
	case "stdout":
		me, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(me)
	case "prometheus":
		var err error
		o.pr = prometheus.NewRegistry()
		if reader, err = promexp.New(promexp.WithRegisterer(o.pr), promexp.WithNamespace("bftnet")); err != nil {
			return nil, fmt.Errorf("creating Prometheus exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported exporter %q", exporter)
	}

	μs := time.Microsecond.Seconds()
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{
					Name:  "send.duration",
					Scope: instrumentation.Scope{Name: "network.transport"},
				},
				sdkmetric.Stream{
					Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
						Boundaries: []float64{100 * μs, 200 * μs, 400 * μs, 800 * μs, 0.0016, 0.01, 0.05, 0.1, 0.3},
					},
				},
			),
		),
	), nil
}

func newTracerProvider(exporter string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	switch exporter {
	case "stdout":
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("creating %q exporter: %w", exporter, err)
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exp),
		), nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
}

// WithLogger returns observability which shares the providers with "o" but logs using "log".
func (o *observability) WithLogger(log *slog.Logger) *observability {
	c := *o
	c.log = log
	return &c
}
