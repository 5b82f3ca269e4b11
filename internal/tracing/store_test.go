package tracing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"school-registry/internal/ledger"
)

func setupTestTracer(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return provider.Tracer("test-tracer"), exporter
}

func getSpanByName(exporter *tracetest.InMemoryExporter, name string) (tracetest.SpanStub, bool) {
	for _, span := range exporter.GetSpans() {
		if span.Name == name {
			return span, true
		}
	}
	return tracetest.SpanStub{}, false
}

func getAttributeValue(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestWrapStoreRecordsSpans(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	m := ledger.NewMemory("0xAdmin")
	store := WrapStore(m, tracer)
	ctx := context.Background()

	sub, err := store.RegisterStudent(ctx, "0xAdmin", 3, "Ada")
	require.NoError(t, err)
	m.Mine()
	require.NoError(t, sub.AwaitCommit(ctx))

	ids, err := store.GetAllStudentIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, ids)

	span, ok := getSpanByName(exporter, "ledger.register_student")
	require.True(t, ok)
	assert.Equal(t, trace.SpanKindClient, span.SpanKind)
	v, ok := getAttributeValue(span, AttrStudentID)
	require.True(t, ok)
	assert.Equal(t, "3", v.AsString())
	v, ok = getAttributeValue(span, AttrSubmissionID)
	require.True(t, ok)
	assert.Equal(t, sub.ID(), v.AsString())

	span, ok = getSpanByName(exporter, "ledger.await_commit")
	require.True(t, ok)
	assert.Equal(t, codes.Ok, span.Status.Code)

	span, ok = getSpanByName(exporter, "ledger.get_all_student_ids")
	require.True(t, ok)
	v, ok = getAttributeValue(span, AttrIDCount)
	require.True(t, ok)
	assert.Equal(t, int64(1), v.AsInt64())
}

func TestWrapStoreRecordsRejections(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	store := WrapStore(ledger.NewMemory("0xAdmin"), tracer)

	sub, err := store.RemoveStudent(context.Background(), "0xAdmin", 1)
	require.ErrorIs(t, err, ledger.ErrNotRegistered)
	assert.Nil(t, sub)

	span, ok := getSpanByName(exporter, "ledger.remove_student")
	require.True(t, ok)
	assert.Equal(t, codes.Error, span.Status.Code)
	assert.Equal(t, "student not registered", span.Status.Description)
}

func TestWrapStoreKeepsLargeStudentIDs(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	store := WrapStore(ledger.NewMemory("0xAdmin"), tracer)

	_, err := store.GetStudent(context.Background(), math.MaxUint64)
	require.NoError(t, err)

	span, ok := getSpanByName(exporter, "ledger.get_student")
	require.True(t, ok)
	v, ok := getAttributeValue(span, AttrStudentID)
	require.True(t, ok)
	assert.Equal(t, "18446744073709551615", v.AsString())
}

func TestWrapStoreNilTracer(t *testing.T) {
	m := ledger.NewMemory("0xAdmin")
	assert.Same(t, m, WrapStore(m, nil))
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderUnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
}
