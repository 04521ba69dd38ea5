// Package controller drives one layer of one entity group through the stage state machine
// (validate, deduplicate, merge, assemble) and produces a RunReport. Collaborator I/O is bounded
// by Config.IOTimeout and never retried; cancellation is observed between stages.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/plan"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/scd"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/worker"
)

type Config struct {
	Workers   int
	IOTimeout time.Duration
	// RejectionThreshold is the tolerated rejected/total ratio for validation and merge. <= 0
	// disables the check.
	RejectionThreshold float64
	// ReferentialCap is the tolerated number of unresolved references per fact table. < 0
	// disables the check.
	ReferentialCap int
	RateLimitRPS   float64
	// Source is stamped as _source_name on bronze rows.
	Source string
	Now    func() time.Time
}

// Notifier is told about every finished run.
type Notifier interface {
	Notify(ctx context.Context, report RunReport) error
}

// Publisher receives every gold table after it is written to storage.
type Publisher interface {
	Publish(ctx context.Context, table string, batch core.Batch) error
}

// Locker serializes runs of the same layer and group across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

// Standardizer reshapes a bronze batch into the silver contract before validation.
type Standardizer interface {
	Standardize(entity string, batch core.Batch) (core.Batch, error)
}

type StandardizerFunc func(entity string, batch core.Batch) (core.Batch, error)

func (f StandardizerFunc) Standardize(entity string, batch core.Batch) (core.Batch, error) {
	return f(entity, batch)
}

// Deriver produces a group's derived silver tables from its freshly deduplicated silver batches.
type Deriver interface {
	Derive(group string, silver map[string]core.Batch) (map[string]core.Batch, error)
}

type DeriverFunc func(group string, silver map[string]core.Batch) (map[string]core.Batch, error)

func (f DeriverFunc) Derive(group string, silver map[string]core.Batch) (map[string]core.Batch, error) {
	return f(group, silver)
}

type Option func(*Controller)

func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifiers = append(c.notifiers, n) } }
func WithPublisher(p Publisher) Option { return func(c *Controller) { c.publisher = p } }
func WithLocker(l Locker) Option { return func(c *Controller) { c.locker = l } }
func WithStandardizer(s Standardizer) Option { return func(c *Controller) { c.standardizer = s } }
func WithDeriver(d Deriver) Option { return func(c *Controller) { c.deriver = d } }
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithHistoryStore replaces the default history store, which keeps dimension history as silver
// partitions in the controller's storage.
func WithHistoryStore(s scd.Store) Option { return func(c *Controller) { c.history = s } }

type Controller struct {
	plan    *plan.Plan
	storage core.Storage
	catalog core.Catalog
	cfg     Config

	notifiers    []Notifier
	publisher    Publisher
	locker       Locker
	standardizer Standardizer
	deriver      Deriver
	history      scd.Store
	logger       *slog.Logger
}

func New(p *plan.Plan, storage core.Storage, catalog core.Catalog, cfg Config, opts ...Option) (*Controller, error) {
	if p == nil {
		return nil, errors.New("plan is required")
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Source == "" {
		cfg.Source = p.Source
	}
	c := &Controller{plan: p, storage: storage, catalog: catalog, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Controller) Plan() *plan.Plan { return c.plan }

// Run executes one layer for one group. Failures are reported in the RunReport, never returned;
// the error return is reserved for requests that cannot start (unknown group or layer).
func (c *Controller) Run(ctx context.Context, layer schema.Layer, group string) (RunReport, error) {
	g, ok := c.plan.Group(group)
	if !ok {
		return RunReport{}, fmt.Errorf("unknown group %q", group)
	}
	if _, ok := layer.Input(); !ok {
		return RunReport{}, fmt.Errorf("layer %q is not runnable", layer)
	}

	runID := newRunID()
	r := &run{
		c:       c,
		group:   g,
		layer:   layer,
		runID:   runID,
		machine: NewMachine(),
		started: c.cfg.Now().UTC(),
		logger:  c.logger.With("run_id", runID, "layer", string(layer), "group", group),
	}
	r.history = c.history
	if r.history == nil {
		keys := map[string]string{}
		for _, d := range c.plan.Dimensions(group) {
			keys[d.Name] = d.BusinessKey
		}
		r.history = &scd.StorageStore{Storage: c.storage, KeyColumns: keys, BatchID: runID, Now: c.cfg.Now}
	}

	r.logger.Info("layer run start",
		"workers", c.cfg.Workers,
		"io_timeout", c.cfg.IOTimeout.String(),
		"rejection_threshold", c.cfg.RejectionThreshold,
		"referential_cap", c.cfg.ReferentialCap)

	err := r.execute(ctx)
	report := r.finish(err)
	if report.Failed() {
		r.logger.Error("layer run failed", "kind", string(report.FailureKind), "err", report.FailureText,
			"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	} else {
		r.logger.Info("layer run complete", "rejected", report.Rejected(),
			"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	}
	c.notify(ctx, report)
	return report, nil
}

func (c *Controller) notify(ctx context.Context, report RunReport) {
	for _, n := range c.notifiers {
		// A cancelled run still gets reported.
		nctx, cancel := c.ioContext(context.WithoutCancel(ctx))
		if err := n.Notify(nctx, report); err != nil {
			c.logger.Warn("notify failed", "run_id", report.RunID, "err", err)
		}
		cancel()
	}
}

func (c *Controller) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.IOTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.IOTimeout)
	}
	return context.WithCancel(ctx)
}

func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// run is the mutable state of a single Run call.
type run struct {
	c       *Controller
	group   plan.Group
	layer   schema.Layer
	runID   string
	machine *Machine
	history scd.Store
	started time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	stages []StageReport
}

func (r *run) record(s StageReport) {
	r.mu.Lock()
	r.stages = append(r.stages, s)
	r.mu.Unlock()
}

func (r *run) execute(ctx context.Context) error {
	if r.c.locker != nil {
		key := fmt.Sprintf("warehouse:%s:%s", r.layer, r.group.Name)
		unlock, err := r.lock(ctx, key)
		if err != nil {
			return err
		}
		defer func() {
			uctx, cancel := r.c.ioContext(context.WithoutCancel(ctx))
			defer cancel()
			if err := unlock(uctx); err != nil {
				r.logger.Warn("release lock failed", "key", key, "err", err)
			}
		}()
	}

	switch r.layer {
	case schema.LayerBronze:
		return r.bronze(ctx)
	case schema.LayerSilver:
		return r.silver(ctx)
	case schema.LayerGold:
		return r.gold(ctx)
	default:
		return fmt.Errorf("layer %q is not runnable", r.layer)
	}
}

func (r *run) lock(ctx context.Context, key string) (func(context.Context) error, error) {
	var unlock func(context.Context) error
	err := r.io(ctx, "lock", "", func(ctx context.Context) error {
		var err error
		unlock, err = r.c.locker.Lock(ctx, key)
		return err
	})
	return unlock, err
}

// stage advances the machine and runs fn unless the stage does not apply to this layer.
// Cancellation is checked before every transition.
func (r *run) stage(ctx context.Context, state State, applies bool, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &core.StageError{Kind: core.KindCancelled, Stage: string(state), Layer: r.layer, Err: err}
	}
	if err := r.machine.Transition(state); err != nil {
		return err
	}
	if !applies {
		r.record(StageReport{Stage: state, Status: StatusSkipped})
		return nil
	}
	start := time.Now()
	err := fn(ctx)
	r.logger.Debug("stage finished", "stage", string(state), "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
	return err
}

// io runs fn under the I/O timeout and classifies failures. ctx is the run context, so a
// deadline on the derived context is an upstream timeout rather than a cancellation.
func (r *run) io(ctx context.Context, stage, entity string, fn func(context.Context) error) error {
	ioCtx, cancel := r.c.ioContext(ctx)
	defer cancel()
	err := fn(ioCtx)
	if err == nil {
		return nil
	}
	var se *core.StageError
	if errors.As(err, &se) {
		return err
	}
	return &core.StageError{Kind: core.ClassifyIO(ctx, err), Stage: stage, Layer: r.layer, Entity: entity, Err: err}
}

// forEach fans fn out over items on the worker pool and stops at the first failure.
func forEach[T any](ctx context.Context, r *run, items []T, fn func(context.Context, T) error) error {
	return worker.Each(ctx, items, fn, worker.Options{
		Workers:      r.c.cfg.Workers,
		RateLimitRPS: r.c.cfg.RateLimitRPS,
	})
}

func (r *run) finish(err error) RunReport {
	report := RunReport{
		RunID:     r.runID,
		Layer:     r.layer,
		Group:     r.group.Name,
		StartedAt: r.started,
		Status:    StatusCompleted,
	}
	if err == nil {
		if terr := r.machine.Transition(StateCompleted); terr != nil {
			err = terr
		}
	}
	if err != nil {
		se := r.stageError(err)
		if !r.machine.State().Terminal() {
			_ = r.machine.Transition(StateFailed)
		}
		report.Status = StatusFailed
		report.Failure = se
		report.FailureKind = se.Kind
		report.FailureText = se.Error()
	}
	report.State = r.machine.State()
	report.Transitions = r.machine.History()
	r.mu.Lock()
	report.Stages = append([]StageReport(nil), r.stages...)
	r.mu.Unlock()
	report.FinishedAt = r.c.cfg.Now().UTC()
	return report
}

func (r *run) stageError(err error) *core.StageError {
	var se *core.StageError
	if errors.As(err, &se) {
		out := *se
		if out.Layer == "" {
			out.Layer = r.layer
		}
		if out.Stage == "" {
			out.Stage = string(r.machine.State())
		}
		return &out
	}
	kind := core.KindUpstreamError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = core.KindCancelled
	}
	return &core.StageError{Kind: kind, Stage: string(r.machine.State()), Layer: r.layer, Err: err}
}

// partitionKey is where this run writes entity's output for the layer.
func (r *run) partitionKey(layer schema.Layer, entity string) core.PartitionKey {
	return core.PartitionKey{Layer: layer, Entity: entity, Date: r.started, BatchID: r.runID}
}

func (r *run) meta(layer schema.Layer, entity string) core.BatchMeta {
	return core.BatchMeta{Source: r.c.cfg.Source, Layer: layer, Entity: entity, BatchID: r.runID, IngestedAt: r.started}
}

func (r *run) write(ctx context.Context, stage string, layer schema.Layer, entity string, batch core.Batch) error {
	key := r.partitionKey(layer, entity)
	batch.Meta.Layer = layer
	batch.Meta.Entity = entity
	return r.io(ctx, stage, entity, func(ctx context.Context) error {
		return r.c.storage.Write(ctx, key, batch)
	})
}

// readLatest returns the newest partition of entity in layer; ok is false when none exists.
func (r *run) readLatest(ctx context.Context, stage string, layer schema.Layer, entity string) (core.Batch, bool, error) {
	var (
		batch core.Batch
		found bool
	)
	err := r.io(ctx, stage, entity, func(ctx context.Context) error {
		key, ok, err := r.c.storage.Latest(ctx, layer, entity)
		if err != nil || !ok {
			return err
		}
		found = true
		batch, err = r.c.storage.Read(ctx, key)
		return err
	})
	return batch, found, err
}

func (r *run) contract(ctx context.Context, stage string, layer schema.Layer, entity string) (schema.DatasetContract, error) {
	var out schema.DatasetContract
	err := r.io(ctx, stage, entity, func(ctx context.Context) error {
		var err error
		out, err = r.c.catalog.Contract(ctx, layer, entity)
		return err
	})
	return out, err
}
