package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/cms"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry/keepalive"
	localio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/local"
)

func TestParseAsOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2008-01-01", want: time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2009-06-30T12:00:00+02:00", want: time.Date(2009, 6, 30, 10, 0, 0, 0, time.UTC)},
		{in: "20080101", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseAsOf(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseAsOf(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || !got.Equal(tt.want) {
			t.Fatalf("parseAsOf(%q)=%v, %v", tt.in, got, err)
		}
	}
}

func TestRunOptionsFromEnv(t *testing.T) {
	t.Setenv("WORKERS", "8")
	t.Setenv("REFERENTIAL_CAP", "")
	t.Setenv("AS_OF", "2008-01-01")
	t.Setenv("HISTORY_STORE", "")

	opts, err := loadRunOptionsFromEnv()
	if err != nil {
		t.Fatalf("loadRunOptionsFromEnv: %v", err)
	}
	if opts.Workers != 8 || opts.ReferentialCap != -1 || opts.HistoryStore != "storage" {
		t.Fatalf("opts=%+v", opts)
	}
	cfg, err := opts.controllerConfig()
	if err != nil {
		t.Fatalf("controllerConfig: %v", err)
	}
	if got := cfg.Now(); !got.Equal(time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Now()=%v", got)
	}

	opts.HistoryStore = "redis"
	if _, err := opts.controllerConfig(); err == nil {
		t.Fatalf("expected invalid history store error")
	}
}

func TestRunOptionsFromEnv_RejectsBadNumbers(t *testing.T) {
	t.Setenv("REJECTION_THRESHOLD", "five percent")
	if _, err := loadRunOptionsFromEnv(); err == nil || !strings.Contains(err.Error(), "REJECTION_THRESHOLD") {
		t.Fatalf("err=%v", err)
	}
}

func TestSplitCSV(t *testing.T) {
	t.Parallel()

	if diff := cmp.Diff([]string{"members", "claims"}, splitCSV(" members, ,claims,")); diff != "" {
		t.Fatalf("splitCSV mismatch (-want +got):\n%s", diff)
	}
}

func TestJobHandler_RejectsBadQueries(t *testing.T) {
	t.Parallel()

	store, err := localio.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	registry, err := cms.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, cleanup, err := buildController(context.Background(), logger, runOptions{Workers: 1, HistoryStore: "storage", ReferentialCap: -1}, sinkConfig{}, store, registry)
	if err != nil {
		t.Fatalf("buildController: %v", err)
	}
	t.Cleanup(cleanup)

	handle := jobHandler(c)
	for _, q := range []string{`{"layer":`, `{"layer":"platinum","group":"claims"}`, `{"layer":"silver"}`, `{"groups":["nope"]}`} {
		if _, err := handle(context.Background(), keepalive.Job{JobID: "j1", Query: json.RawMessage(q)}); err == nil {
			t.Fatalf("query %s: expected error", q)
		}
	}
}

func TestApplySourceSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	doc := `{"warehouse":{"DatabaseUrl":" postgres://db ","additionalSecretRedisUrl":"redis://cache"}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SOURCE_CREDENTIALS", path)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sinks := sinkConfig{RedisURL: "redis://from-env"}
	applySourceSecrets(logger, &sinks, "warehouse")
	if sinks.DatabaseURL != "postgres://db" || sinks.RedisURL != "redis://from-env" || sinks.PubSubCreds != "" {
		t.Fatalf("sinks=%+v", sinks)
	}

	var unknown sinkConfig
	applySourceSecrets(logger, &unknown, "elsewhere")
	if unknown != (sinkConfig{}) {
		t.Fatalf("unknown source must leave sinks untouched: %+v", unknown)
	}
}
