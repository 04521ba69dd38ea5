package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/logging"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := logging.ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want=%v", in, got, want)
		}
	}
}

// The tests below replace the process-wide default logger, so they do not run in parallel.

func TestSetupWriter_JSONWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logging.SetupWriter(&buf, "info", "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	logging.FromContext(ctx).Info("run finished", "run_id", "r1")
	logging.FromContext(ctx).Debug("dropped")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-42"`) || !strings.Contains(out, `"run_id":"r1"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug line logged at info level: %s", out)
	}
}

func TestRequests(t *testing.T) {
	var buf bytes.Buffer
	logging.SetupWriter(&buf, "info", "text")

	h := logging.Requests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d", rec.Code)
	}
	if out := buf.String(); !strings.Contains(out, "status=202") || !strings.Contains(out, "path=/v1/runs") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
