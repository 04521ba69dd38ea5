package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/cms"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/lock"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/notify"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/warehouse/postgres"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/plan"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

func loadPlan(path string) (*plan.Plan, error) {
	if strings.TrimSpace(path) == "" {
		return cms.Plan()
	}
	return plan.Load(path)
}

// buildController wires the controller and every integration enabled in sinks. The returned
// cleanup closes them in reverse order.
func buildController(ctx context.Context, logger *slog.Logger, opts runOptions, sinks sinkConfig, storage core.Storage, catalog core.Catalog, extra ...controller.Option) (*controller.Controller, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*controller.Controller, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	p, err := loadPlan(opts.PlanPath)
	if err != nil {
		return fail(fmt.Errorf("load plan: %w", err))
	}
	cfg, err := opts.controllerConfig()
	if err != nil {
		return fail(err)
	}

	copts := []controller.Option{
		controller.WithLogger(logger),
		controller.WithStandardizer(cms.Standardizer{}),
		controller.WithDeriver(controller.DeriverFunc(cms.Derive)),
		controller.WithNotifier(notify.Log{Logger: logger}),
	}

	if sinks.DatabaseURL != "" {
		wh, err := postgres.Open(ctx, sinks.DatabaseURL, int32(sinks.DatabaseMaxConns))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, wh.Close)
		wh.Schema = sinks.DatabaseSchema
		copts = append(copts, controller.WithPublisher(wh))
		if opts.HistoryStore == "postgres" {
			wh.KeyColumns = businessKeys(p)
			copts = append(copts, controller.WithHistoryStore(wh))
		}
		logger.Info("postgres publisher enabled", "schema", wh.Schema, "history", opts.HistoryStore == "postgres")
	} else if opts.HistoryStore == "postgres" {
		return fail(fmt.Errorf("history store postgres requires DATABASE_URL"))
	}

	if sinks.RedisURL != "" {
		l, err := lock.Open(ctx, sinks.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = l.Close() })
		l.Wait = sinks.LockWait
		l.Logger = logger
		copts = append(copts, controller.WithLocker(l))
		logger.Info("redis run lock enabled", "wait", sinks.LockWait.String())
	}

	if sinks.PubSubTopic != "" {
		ps, err := notify.OpenPubSub(ctx, sinks.PubSubProjectID, sinks.PubSubTopic, sinks.PubSubCreds)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = ps.Close() })
		ps.FailuresOnly = sinks.PubSubFailures
		copts = append(copts, controller.WithNotifier(ps))
		logger.Info("pubsub notifier enabled", "project_id", sinks.PubSubProjectID, "topic", sinks.PubSubTopic)
	}

	copts = append(copts, extra...)
	c, err := controller.New(p, storage, catalog, cfg, copts...)
	if err != nil {
		return fail(err)
	}
	return c, cleanup, nil
}

func businessKeys(p *plan.Plan) map[string]string {
	keys := map[string]string{}
	for _, g := range p.GroupNames() {
		for _, d := range p.Dimensions(g) {
			keys[d.Name] = d.BusinessKey
		}
	}
	return keys
}

// runSelection runs one layer of one group when layer is set, otherwise every layer of the
// named groups. It returns the reports and whether any run failed.
func runSelection(ctx context.Context, c *controller.Controller, layer, group string, groups []string) ([]controller.RunReport, bool, error) {
	if strings.TrimSpace(layer) != "" {
		l, err := schema.ParseLayer(layer)
		if err != nil {
			return nil, false, err
		}
		if strings.TrimSpace(group) == "" {
			return nil, false, fmt.Errorf("a group is required with a layer")
		}
		rep, err := c.Run(ctx, l, group)
		if err != nil {
			return nil, false, err
		}
		return []controller.RunReport{rep}, rep.Failed(), nil
	}
	if strings.TrimSpace(group) != "" {
		groups = append(groups, group)
	}
	reports, err := c.RunAll(ctx, groups...)
	if err != nil {
		return nil, false, err
	}
	_, failed, _ := controller.Summary(reports)
	return reports, failed > 0, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
