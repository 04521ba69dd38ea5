// Command mock-foundry serves the Foundry dataset and stream APIs the warehouse uses, for local
// end-to-end runs of `warehouse foundry`. With -alias-map it also writes a RESOURCE_ALIAS_MAP
// covering every dataset of the plan plus a notifications stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/cms"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/logging"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/mockfoundry"
	foundryio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/plan"
)

const notificationsRID = "ri.foundry.main.dataset.warehouse-notifications"

type aliasEntry struct {
	RID string `json:"rid"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mock-foundry", flag.ContinueOnError)
	addr := fs.String("addr", envString("MOCK_FOUNDRY_ADDR", ":8080"), "Listen address (env: MOCK_FOUNDRY_ADDR)")
	inputDir := fs.String("input-dir", envString("MOCK_FOUNDRY_INPUT_DIR", "/data/inputs"), "Seed files under <dir>/<rid>/ (env: MOCK_FOUNDRY_INPUT_DIR)")
	uploadDir := fs.String("upload-dir", envString("MOCK_FOUNDRY_UPLOAD_DIR", "/data/uploads"), "Committed files are mirrored under <dir>/<rid>/ (env: MOCK_FOUNDRY_UPLOAD_DIR)")
	streamRIDs := fs.String("stream-rids", envString("MOCK_FOUNDRY_STREAM_RIDS", ""), "Extra comma-separated RIDs to serve as streams (env: MOCK_FOUNDRY_STREAM_RIDS)")
	token := fs.String("token", envString("MOCK_FOUNDRY_TOKEN", ""), "Bearer token to require, empty accepts any (env: MOCK_FOUNDRY_TOKEN)")
	planPath := fs.String("plan", envString("PLAN_PATH", ""), "Pipeline plan YAML; defaults to the built-in CMS plan (env: PLAN_PATH)")
	aliasOut := fs.String("alias-map", envString("MOCK_FOUNDRY_ALIAS_MAP", ""), "Write a RESOURCE_ALIAS_MAP for the plan to this path (env: MOCK_FOUNDRY_ALIAS_MAP)")
	logLevel := fs.String("log-level", envString("LOG_LEVEL", "info"), "debug|info|warn|error (env: LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger := logging.Setup(*logLevel, envString("LOG_FORMAT", "text"))

	p, err := loadPlan(*planPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load plan: %v\n", err)
		return 2
	}

	srv := mockfoundry.New(*inputDir, *uploadDir)
	srv.RequireBearerToken(*token)
	srv.CreateStream(notificationsRID)
	for _, rid := range splitCSV(*streamRIDs) {
		srv.CreateStream(rid)
	}

	aliases := aliasMap(p)
	if *aliasOut != "" {
		if err := writeAliasMap(*aliasOut, aliases); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "write alias map: %v\n", err)
			return 1
		}
		logger.Info("alias map written", "path", *aliasOut, "aliases", len(aliases))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hs := &http.Server{Addr: *addr, Handler: srv.Handler(), ReadHeaderTimeout: 15 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	logger.Info("mock-foundry listening", "addr", *addr, "input_dir", *inputDir, "upload_dir", *uploadDir, "plan", p.Name)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
			return 1
		}
	}
	return 0
}

func loadPlan(path string) (*plan.Plan, error) {
	if strings.TrimSpace(path) == "" {
		return cms.Plan()
	}
	return plan.Load(path)
}

// aliasMap assigns each plan dataset a stable mock RID under its foundry alias.
func aliasMap(p *plan.Plan) map[string]aliasEntry {
	out := map[string]aliasEntry{"notifications": {RID: notificationsRID}}
	for _, d := range p.Datasets() {
		alias := foundryio.Alias(d.Layer, d.Entity)
		out[alias] = aliasEntry{RID: "ri.foundry.main.dataset." + strings.ReplaceAll(alias, "_", "-")}
	}
	return out
}

func writeAliasMap(path string, aliases map[string]aliasEntry) error {
	b, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
