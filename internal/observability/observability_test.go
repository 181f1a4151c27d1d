package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLogger_AddsContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")

	ctx := WithCorrelationID(context.Background(), "req-1")
	ctx = WithPostID(ctx, "p-9")
	logger.InfoContext(ctx, "refreshed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "refreshed", record["msg"])
	assert.Equal(t, "req-1", record["correlation_id"])
	assert.Equal(t, "p-9", record["post_id"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "text")
	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestExtractCorrelationID_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is tolerated on purpose
	assert.Equal(t, "", ExtractCorrelationID(nil))
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestTrackAPICall(t *testing.T) {
	labels := map[string]string{"operation": "test_op", "outcome": "error"}
	before := counterValue(t, "learnora_api_requests_total", labels)
	done := TrackAPICall("test_op")
	done(errors.New("boom"))
	assert.Equal(t, before+1, counterValue(t, "learnora_api_requests_total", labels))
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{ServiceName: "test", Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := StartInternalSpan(context.Background(), "noop")
	span.SetError(errors.New("ignored"))
	span.End()
}

func TestNewSampler_PollSpansUseTheirOwnRatio(t *testing.T) {
	sampler := newSampler(TracingConfig{SamplerRatio: 1, PollSamplerRatio: 0})
	params := func(kind string) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{1},
			Name:          "scheduler.refresh",
			Kind:          trace.SpanKindInternal,
			Attributes:    []attribute.KeyValue{refreshKindKey.String(kind)},
		}
	}

	assert.Equal(t, sdktrace.Drop, sampler.ShouldSample(params("poll")).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, sampler.ShouldSample(params("manual")).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{2},
		Name:          "feed.refresh",
	}).Decision)
	assert.Contains(t, sampler.Description(), "PollAware")
}

func TestNewResource_DescribesFeedSyncInstance(t *testing.T) {
	res, err := newResource(TracingConfig{
		ServiceName:    "learnora-feedsync",
		ServiceVersion: "1.2.3",
		Environment:    "staging",
		BackendURL:     "https://api.learnora.example/api",
	})
	require.NoError(t, err)

	values := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		values[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "learnora-feedsync", values[semconv.ServiceNameKey])
	assert.Equal(t, "staging", values[semconv.DeploymentEnvironmentKey])
	assert.Equal(t, "https://api.learnora.example/api", values["learnora.backend.url"])
	assert.NotEmpty(t, values[semconv.ServiceInstanceIDKey])
}
