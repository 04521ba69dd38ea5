package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/cms"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/httpapi"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/logging"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/notify"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/version"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	gcsio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/gcs"
	localio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "local":
		os.Exit(runLocal(ctx, os.Args[2:]))
	case "gcs":
		os.Exit(runGCS(ctx, os.Args[2:]))
	case "foundry":
		os.Exit(runFoundry(ctx, os.Args[2:]))
	case "serve":
		os.Exit(runServe(ctx, os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

// selection is the layer/group choice shared by the batch subcommands.
type selection struct {
	layer  string
	group  string
	groups string
}

func (s *selection) register(fs *flag.FlagSet) {
	fs.StringVar(&s.layer, "layer", "", "Run only this layer (bronze|silver|gold); requires -group")
	fs.StringVar(&s.group, "group", "", "Group to run")
	fs.StringVar(&s.groups, "groups", "", "Comma-separated groups for a full run; empty runs every group")
}

func configError(err error) int {
	_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Error(err))
	return 2
}

// execute runs the selection and prints the reports as JSON on stdout.
func execute(ctx context.Context, c *controller.Controller, sel selection) int {
	reports, failed, err := runSelection(ctx, c, sel.layer, sel.group, splitCSV(sel.groups))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "run failed: %s\n", redact.Error(err))
		return 2
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(reports)
	if failed {
		return 1
	}
	return 0
}

func runLocal(ctx context.Context, args []string) int {
	opts, err := loadRunOptionsFromEnv()
	if err != nil {
		return configError(err)
	}
	sinks, err := loadSinkConfigFromEnv(notify.PubSubProjectID())
	if err != nil {
		return configError(err)
	}

	fs := flag.NewFlagSet("local", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	opts.register(fs)
	var sel selection
	sel.register(fs)
	root := fs.String("root", envString("DATA_DIR", "./data"), "Warehouse root directory (env: DATA_DIR)")
	ingestAt := fs.String("ingest-at", "", "Ingest time stamped on raw partitions, RFC3339 or YYYY-MM-DD (default now)")
	ingestOnly := fs.Bool("ingest-only", false, "Stop after ingesting raw extracts")
	var ingests []string
	fs.Func("ingest", "Copy a raw extract into the warehouse before running, as entity=path (repeatable)", func(v string) error {
		if !strings.Contains(v, "=") {
			return fmt.Errorf("expected entity=path, got %q", v)
		}
		ingests = append(ingests, v)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger := logging.Setup(opts.LogLevel, opts.LogFormat)

	store, err := localio.NewStore(*root)
	if err != nil {
		return configError(err)
	}
	at := time.Now().UTC()
	if *ingestAt != "" {
		if at, err = parseAsOf(*ingestAt); err != nil {
			return configError(err)
		}
	}
	for _, spec := range ingests {
		entity, path, _ := strings.Cut(spec, "=")
		key, err := store.Ingest(ctx, strings.TrimSpace(entity), strings.TrimSpace(path), "", at)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "ingest %s: %s\n", spec, redact.Error(err))
			return 1
		}
		logger.Info("raw extract ingested", "entity", key.Entity, "partition", key.Path())
	}
	if *ingestOnly {
		return 0
	}

	registry, err := cms.Registry()
	if err != nil {
		return configError(err)
	}
	c, cleanup, err := buildController(ctx, logger, opts, sinks, store, registry)
	if err != nil {
		return configError(err)
	}
	defer cleanup()
	return execute(ctx, c, sel)
}

func openGCS(ctx context.Context) (*gcsio.Store, error) {
	return gcsio.Open(ctx, envString("GCS_BUCKET", ""), envString("GCS_PREFIX", ""), envString("GCS_CREDENTIALS_JSON", ""))
}

func runGCS(ctx context.Context, args []string) int {
	opts, err := loadRunOptionsFromEnv()
	if err != nil {
		return configError(err)
	}
	sinks, err := loadSinkConfigFromEnv(notify.PubSubProjectID())
	if err != nil {
		return configError(err)
	}

	fs := flag.NewFlagSet("gcs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	opts.register(fs)
	var sel selection
	sel.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger := logging.Setup(opts.LogLevel, opts.LogFormat)

	store, err := openGCS(ctx)
	if err != nil {
		return configError(err)
	}
	defer func() { _ = store.Close() }()
	registry, err := cms.Registry()
	if err != nil {
		return configError(err)
	}
	c, cleanup, err := buildController(ctx, logger, opts, sinks, store, registry)
	if err != nil {
		return configError(err)
	}
	defer cleanup()
	return execute(ctx, c, sel)
}

func runServe(ctx context.Context, args []string) int {
	opts, err := loadRunOptionsFromEnv()
	if err != nil {
		return configError(err)
	}
	sinks, err := loadSinkConfigFromEnv(notify.PubSubProjectID())
	if err != nil {
		return configError(err)
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	opts.register(fs)
	addr := fs.String("addr", envString("HTTP_ADDR", ":8080"), "Listen address (env: HTTP_ADDR)")
	backend := fs.String("storage", envString("STORAGE_BACKEND", "local"), "Storage backend: local|gcs (env: STORAGE_BACKEND)")
	root := fs.String("root", envString("DATA_DIR", "./data"), "Warehouse root directory for local storage (env: DATA_DIR)")
	runTimeout := fs.Duration("run-timeout", 0, "Upper bound for one HTTP-triggered run, 0 disables")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger := logging.Setup(opts.LogLevel, opts.LogFormat)

	var store core.Storage
	switch *backend {
	case "local":
		ls, err := localio.NewStore(*root)
		if err != nil {
			return configError(err)
		}
		store = ls
	case "gcs":
		gs, err := openGCS(ctx)
		if err != nil {
			return configError(err)
		}
		defer func() { _ = gs.Close() }()
		store = gs
	default:
		return configError(fmt.Errorf("unknown storage backend %q (expected local|gcs)", *backend))
	}

	registry, err := cms.Registry()
	if err != nil {
		return configError(err)
	}
	c, cleanup, err := buildController(ctx, logger, opts, sinks, store, registry)
	if err != nil {
		return configError(err)
	}
	defer cleanup()

	srv := httpapi.NewServer(c)
	srv.RunTimeout = *runTimeout
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(*addr) }()
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http api stopped", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http api shutdown", "err", err)
		return 1
	}
	slog.Info("http api stopped")
	return 0
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `warehouse: layered CMS claims warehouse (raw -> bronze -> silver -> gold)

Usage:
  warehouse <command> [flags]

Commands:
  local    Run against a local warehouse directory (ingest extracts with -ingest)
  gcs      Run against a Google Cloud Storage bucket
  foundry  Run as a Foundry compute module (job loop when GET_JOB_URI is set)
  serve    Serve POST /v1/runs for an external orchestrator
  version  Print the version

Examples:
  warehouse local -root ./data -ingest beneficiary=DE1_0_2008_Beneficiary_Summary_File_Sample_1.csv -as-of 2008-01-01
  warehouse local -root ./data -layer silver -group claims
  warehouse serve -storage gcs -addr :8080

Environment (run):
  WORKERS, IO_TIMEOUT, REJECTION_THRESHOLD, REFERENTIAL_CAP, RATE_LIMIT_RPS, AS_OF,
  LOG_LEVEL, LOG_FORMAT, PLAN_PATH, HISTORY_STORE

Environment (integrations, each optional):
  DATABASE_URL         Publish gold tables to Postgres (DATABASE_SCHEMA, DATABASE_MAX_CONNS)
  REDIS_URL            Serialize runs with a Redis lock (LOCK_WAIT)
  PUBSUB_TOPIC         Publish run notifications (PUBSUB_PROJECT_ID, PUBSUB_CREDENTIALS_JSON)
  GCS_BUCKET           Bucket for the gcs backend (GCS_PREFIX, GCS_CREDENTIALS_JSON)

Environment (foundry):
  FOUNDRY_URL or FOUNDRY_SERVICE_DISCOVERY_V2, BUILD2_TOKEN, RESOURCE_ALIAS_MAP,
  DEFAULT_CA_PATH, GET_JOB_URI, POST_RESULT_URI, MODULE_AUTH_TOKEN, SOURCE_CREDENTIALS

`)
}
