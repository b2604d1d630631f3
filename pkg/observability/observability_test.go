package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

func newRecordingProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	p, err := newProvider(DefaultConfig(), tp.Tracer("test"), mp.Meter("test"), slog.Default())
	require.NoError(t, err)
	return p, spans, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

// sumBy totals an int64 sum's data points by the value of key.
func sumBy(t *testing.T, data metricdata.Aggregation, key attribute.Key) map[string]int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(key)
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ccos", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

func TestTrackCapabilitySuccess(t *testing.T) {
	p, spans, reader := newRecordingProvider(t)

	_, done := p.TrackCapability(context.Background(), "ccos.echo", "ccos", "plan-7")
	done(nil)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "ccos.capability.execute", ended[0].Name())
	attrs := attribute.NewSet(ended[0].Attributes()...)
	plan, ok := attrs.Value(AttrPlanID)
	require.True(t, ok)
	assert.Equal(t, "plan-7", plan.AsString())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	metrics := collect(t, reader)
	assert.Equal(t, map[string]int64{OutcomeOK: 1}, sumBy(t, metrics["ccos.capability.calls"], AttrOutcome))
	assert.Equal(t, map[string]int64{"ccos.echo": 0}, sumBy(t, metrics["ccos.capability.active"], AttrCapabilityID))
	assert.NotContains(t, metrics, "ccos.capability.errors")

	hist, ok := metrics["ccos.capability.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	_, hasPlan := hist.DataPoints[0].Attributes.Value(AttrPlanID)
	assert.False(t, hasPlan)
}

func TestTrackCapabilityLabelsErrorKinds(t *testing.T) {
	p, spans, reader := newRecordingProvider(t)
	ctx := context.Background()

	_, done := p.TrackCapability(ctx, "ccos.network.http-fetch", "ccos.network", "plan-1")
	done(fmt.Errorf("dispatch: %w", runtime.SecurityViolation("ccos.network.http-fetch", "denied")))
	_, done = p.TrackCapability(ctx, "ccos.network.http-fetch", "ccos.network", "plan-1")
	done(errors.New("connection reset"))
	_, done = p.TrackCapability(ctx, "ccos.network.http-fetch", "ccos.network", "plan-1")
	done(nil)

	metrics := collect(t, reader)
	assert.Equal(t, map[string]int64{
		string(runtime.KindSecurityViolation): 1,
		"UNCLASSIFIED":                        1,
	}, sumBy(t, metrics["ccos.capability.errors"], AttrErrorKind))
	assert.Equal(t, map[string]int64{OutcomeOK: 1, OutcomeError: 2}, sumBy(t, metrics["ccos.capability.calls"], AttrOutcome))

	ended := spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	kind, ok := attribute.NewSet(ended[0].Attributes()...).Value(AttrErrorKind)
	require.True(t, ok)
	assert.Equal(t, string(runtime.KindSecurityViolation), kind.AsString())
	assert.Equal(t, codes.Unset, ended[2].Status().Code)
}

func TestRecordViolation(t *testing.T) {
	p, spans, reader := newRecordingProvider(t)

	ctx, done := p.TrackCapability(context.Background(), "ccos.echo", "ccos", "plan-1")
	p.RecordViolation(ctx, "ccos.echo", "Memory")
	p.RecordViolation(ctx, "ccos.echo", "Memory")
	done(nil)

	assert.Equal(t, map[string]int64{"Memory": 2}, sumBy(t, collect(t, reader)["ccos.capability.resource_violations"], AttrResource))
	require.Len(t, spans.Ended(), 1)
	events := spans.Ended()[0].Events()
	require.Len(t, events, 2)
	assert.Equal(t, "resource.violation", events[0].Name)
}

func TestErrorKindLabel(t *testing.T) {
	assert.Equal(t, "ARITY_MISMATCH", ErrorKindLabel(runtime.ArityMismatch("ccos.echo", "1", 2)))
	assert.Equal(t, "UNCLASSIFIED", ErrorKindLabel(context.Canceled))
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackCapability(context.Background(), "ccos.echo", "ccos", "plan-1")
	require.NotNil(t, ctx)
	p.RecordViolation(ctx, "ccos.echo", "CPU")
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewExportingProvider(t *testing.T) {
	// gRPC exporters connect lazily, so construction succeeds without a collector.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, err := New(ctx, &Config{Enabled: true, Insecure: true, OTLPEndpoint: "127.0.0.1:1", SampleRate: 0.5, BatchTimeout: time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, p.tracerProvider)

	_, done := p.TrackCapability(ctx, "ccos.echo", "ccos", "plan-1")
	done(nil)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer stop()
	require.NoError(t, p.Shutdown(shutdownCtx))
}

func TestCapabilityOperation(t *testing.T) {
	attrs := attribute.NewSet(CapabilityOperation("ccos.io.log", "ccos.io", "plan-9")...)
	id, _ := attrs.Value(AttrCapabilityID)
	assert.Equal(t, "ccos.io.log", id.AsString())
	ns, _ := attrs.Value(AttrNamespace)
	assert.Equal(t, "ccos.io", ns.AsString())
}
