package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func get(ctx context.Context, t *testing.T, h http.Handler, path string) (int, result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func TestProbes(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "voices", Check: ok},
				{Name: "model", Check: ok},
			},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"voices": "ok", "model": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "voices", Check: ok},
				{Name: "nats", Check: func(context.Context) error { return errors.New("nats: no servers available") }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"voices": "ok", "nats": "fail: nats: no servers available"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			New(tc.checkers...).Register(mux)

			code, body := get(context.Background(), t, mux, "/healthz")
			if code != http.StatusOK || body.Status != "ok" {
				t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
			}

			code, body = get(context.Background(), t, mux, "/readyz")
			if code != tc.wantStatus {
				t.Errorf("readyz status = %d, want %d", code, tc.wantStatus)
			}
			wantStatus := "ok"
			if tc.wantStatus != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("readyz body status = %q, want %q", body.Status, wantStatus)
			}
			for name, want := range tc.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)
	start := time.Now()
	code, _ := get(context.Background(), t, http.HandlerFunc(h.Readyz), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("three 200ms checks took %v, want them to overlap", elapsed)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, body := get(ctx, t, http.HandlerFunc(h.Readyz), "/readyz")
	if code != http.StatusServiceUnavailable || body.Checks["slow"] != "fail: context canceled" {
		t.Errorf("readyz = %d %v", code, body.Checks)
	}
}

func TestFlag(t *testing.T) {
	t.Parallel()
	var ready atomic.Bool
	c := Flag("model", &ready)
	if err := c.Check(context.Background()); err == nil {
		t.Error("unset flag passed")
	}
	ready.Store(true)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("set flag failed: %v", err)
	}
}
