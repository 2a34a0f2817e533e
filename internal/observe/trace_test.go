package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider installs an in-memory tracer provider as the global
// provider for the duration of the test.
func newTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	newTestTracerProvider(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lower-case hex", cid)
	}
}

func TestStartSynthesisSpan(t *testing.T) {
	exp := newTestTracerProvider(t)

	_, span := StartSynthesisSpan(context.Background(), "http", "af_sky.4+af_nicole.5", "wav")
	EndSpan(span, errors.New("model exploded"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "synthesize" {
		t.Errorf("span name = %q", got.Name)
	}
	attrs := map[string]string{}
	for _, kv := range got.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["koko.voice"] != "af_sky.4+af_nicole.5" || attrs["koko.surface"] != "http" || attrs["koko.format"] != "wav" {
		t.Errorf("span attributes = %v", attrs)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want error", got.Status.Code)
	}
	if len(got.Events) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestEndSpan_OK(t *testing.T) {
	exp := newTestTracerProvider(t)
	_, span := StartSpan(context.Background(), "fine")
	EndSpan(span, nil)
	if s := exp.GetSpans(); len(s) != 1 || s[0].Status.Code == codes.Error {
		t.Errorf("spans = %+v, want one span without error status", s)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span contains trace_id: %s", buf.String())
	}

	buf.Reset()
	newTestTracerProvider(t)
	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("with span")
	for _, key := range []string{"trace_id=", "span_id="} {
		if !strings.Contains(buf.String(), key) {
			t.Errorf("log output missing %s: %s", key, buf.String())
		}
	}
}
