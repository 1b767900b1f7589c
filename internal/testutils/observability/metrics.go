package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"

	testlogr "github.com/bftnet/bftnet/internal/testutils/logger"
)

/*
NOP creates observability implementation where everything is no-op.
Use it for tests for which it absolutely doesn't make sense to create any logs, traces or metrics.
*/
func NOP() *Observability {
	return &Observability{
		mp:  noop.NewMeterProvider(),
		tp:  tnop.NewTracerProvider(),
		log: testlogr.NOP(),
	}
}

/*
Default creates observability implementation which logs through "t" and,
when env var BFTNET_TEST_TRACER is "stdout", exports traces to stdout.
*/
func Default(t testing.TB) *Observability {
	obs := &Observability{
		mp:  noop.NewMeterProvider(),
		tp:  tnop.NewTracerProvider(),
		log: testlogr.New(t),
	}

	if exp := os.Getenv("BFTNET_TEST_TRACER"); exp != "" {
		tp, err := newTraceProvider(exp)
		if err != nil {
			t.Fatal("failed to init trace exporter", err)
		}
		obs.tp = tp
		t.Cleanup(func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				t.Logf("shutting down trace exporter: %v", err)
			}
		})
	}
	return obs
}

/*
WithMetrics creates observability implementation which records metrics into
"reader" so that test can assert on the collected values:

	reader := sdkmetric.NewManualReader()
	obs := observability.WithMetrics(t, reader)
	...
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
*/
func WithMetrics(t testing.TB, reader sdkmetric.Reader) *Observability {
	obs := Default(t)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	obs.mp = mp
	t.Cleanup(func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down meter provider: %v", err)
		}
	})
	return obs
}

type Observability struct {
	log *slog.Logger
	tp  trace.TracerProvider
	mp  metric.MeterProvider
}

func (o *Observability) Logger() *slog.Logger { return o.log }

func (o *Observability) Meter(name string, options ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, options...)
}

func (o *Observability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

func (o *Observability) PrometheusRegisterer() prometheus.Registerer {
	return nil
}

func (o *Observability) Shutdown() error { return nil }

func newTraceProvider(exporter string) (*sdktrace.TracerProvider, error) {
	switch exporter {
	case "stdout":
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("creating %q exporter: %w", exporter, err)
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		), nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
}
