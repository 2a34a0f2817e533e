package observe_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/koko/internal/observe"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestSetup_ExposesMetrics(t *testing.T) {
	t.Parallel()
	tel, err := observe.Setup(context.Background(), observe.TelemetryConfig{ServiceVersion: "test", Metrics: true})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordRequest(context.Background(), "http", "ok")

	code, body := scrape(t, tel.Handler)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, want := range []string{"koko_requests_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition lacks %s", want)
		}
	}
}

func TestSetup_MetricsDisabled(t *testing.T) {
	t.Parallel()
	tel, err := observe.Setup(context.Background(), observe.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer tel.Shutdown(context.Background())

	// Instruments stay usable.
	tel.Metrics.RecordRequest(context.Background(), "http", "ok")
	if code, _ := scrape(t, tel.Handler); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestSetup_SeparateRegistries(t *testing.T) {
	t.Parallel()
	a, err := observe.Setup(context.Background(), observe.TelemetryConfig{Metrics: true})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())
	b, err := observe.Setup(context.Background(), observe.TelemetryConfig{Metrics: true})
	if err != nil {
		t.Fatalf("second Setup: %v", err)
	}
	defer b.Shutdown(context.Background())

	a.Metrics.RecordRequest(context.Background(), "nats", "ok")
	if _, body := scrape(t, b.Handler); strings.Contains(body, `surface="nats"`) {
		t.Error("metrics leaked between registries")
	}
}
