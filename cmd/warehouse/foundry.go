package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/cms"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/logging"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/notify"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry/keepalive"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
	foundryio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/redact"
)

// jobQuery is the payload of a compute-module job. An empty layer runs every layer of groups.
type jobQuery struct {
	Layer  string   `json:"layer"`
	Group  string   `json:"group"`
	Groups []string `json:"groups"`
}

func runFoundry(ctx context.Context, args []string) int {
	opts, err := loadRunOptionsFromEnv()
	if err != nil {
		return configError(err)
	}
	sinks, err := loadSinkConfigFromEnv(notify.PubSubProjectID())
	if err != nil {
		return configError(err)
	}

	fs := flag.NewFlagSet("foundry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	opts.register(fs)
	var sel selection
	sel.register(fs)
	notifyAlias := fs.String("notify-alias", "notifications", "Alias of the stream that receives run notifications, if present in RESOURCE_ALIAS_MAP")
	sourceName := fs.String("source", envString("SECRETS_SOURCE", "warehouse"), "Source whose SOURCE_CREDENTIALS secrets supply DatabaseUrl/RedisUrl/PubSubCredentials (env: SECRETS_SOURCE)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger := logging.Setup(opts.LogLevel, opts.LogFormat)

	env, err := foundry.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry env error: %s\n", redact.Error(err))
		return 2
	}
	applySourceSecrets(logger, &sinks, *sourceName)

	client, err := foundry.NewClient(env.Services.APIGateway, env.Services.StreamProxy, env.Token, env.DefaultCAPath)
	if err != nil {
		return configError(err)
	}
	datasets := foundryio.Datasets(env.Aliases)
	registry, err := cms.Registry()
	if err != nil {
		return configError(err)
	}
	storage := &foundryio.Storage{Client: client, Datasets: datasets}
	catalog := foundryio.FallbackCatalog{&foundryio.Catalog{Client: client, Datasets: datasets}, registry}

	var extra []controller.Option
	if ref, ok := env.Aliases[*notifyAlias]; ok && ref.RID != "" {
		isStream, err := client.ProbeStream(ctx, ref.RID, ref.Branch)
		switch {
		case err != nil:
			logger.Warn("notification stream probe failed", "alias", *notifyAlias, "err", redact.Error(err))
		case !isStream:
			logger.Warn("notification alias is not a stream; foundry notifier disabled", "alias", *notifyAlias)
		default:
			extra = append(extra, controller.WithNotifier(&notify.FoundryStream{Client: client, StreamRID: ref.RID, Branch: ref.Branch}))
			logger.Info("foundry stream notifier enabled", "alias", *notifyAlias)
		}
	}

	c, cleanup, err := buildController(ctx, logger, opts, sinks, storage, catalog, extra...)
	if err != nil {
		return configError(err)
	}
	defer cleanup()

	jobCfg, ok, err := keepalive.LoadConfigFromEnv()
	if err != nil {
		return configError(err)
	}
	if !ok {
		return execute(ctx, c, sel)
	}
	jobCfg.Logger = logger
	if err := keepalive.RunLoop(ctx, jobCfg, jobHandler(c)); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(os.Stderr, "job loop failed: %s\n", redact.Error(err))
		return 1
	}
	return 0
}

// jobHandler runs the query of each job and answers with the reports. A failed run is returned
// as an error alongside its reports so the platform records the failure.
func jobHandler(c *controller.Controller) keepalive.Handler {
	return func(ctx context.Context, job keepalive.Job) ([]byte, error) {
		var q jobQuery
		if raw := strings.TrimSpace(string(job.Query)); raw != "" && raw != "null" {
			if err := json.Unmarshal(job.Query, &q); err != nil {
				return nil, fmt.Errorf("parse job query: %w", err)
			}
		}
		reports, failed, err := runSelection(ctx, c, q.Layer, q.Group, q.Groups)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(reports)
		if err != nil {
			return nil, err
		}
		if failed {
			return out, fmt.Errorf("%d of %d layer runs failed", countFailed(reports), len(reports))
		}
		return out, nil
	}
}

func countFailed(reports []controller.RunReport) int {
	_, failed, _ := controller.Summary(reports)
	return failed
}

// applySourceSecrets fills integrations not configured through env from the module's Source
// credentials. A missing SOURCE_CREDENTIALS file is not an error.
func applySourceSecrets(logger *slog.Logger, sinks *sinkConfig, source string) {
	if strings.TrimSpace(os.Getenv("SOURCE_CREDENTIALS")) == "" {
		return
	}
	creds, err := foundry.LoadSourceCredentialsFromEnv()
	if err != nil {
		logger.Warn("source credentials unreadable", "err", redact.Error(err))
		return
	}
	if len(creds.SecretNames(source)) == 0 {
		logger.Warn("source has no secrets in SOURCE_CREDENTIALS", "source", source, "available", creds.SourceNames())
		return
	}
	logger.Debug("source credentials loaded", "source", source, "secrets", creds.SecretNames(source))
	fill := func(dst *string, secret string) {
		if *dst != "" {
			return
		}
		if v, ok := creds.GetSecret(source, secret); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			logger.Info("integration configured from source credentials", "source", source, "secret", secret)
		}
	}
	fill(&sinks.DatabaseURL, "DatabaseUrl")
	fill(&sinks.RedisURL, "RedisUrl")
	fill(&sinks.PubSubCreds, "PubSubCredentials")
}
