package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/assemble"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/dedup"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/plan"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/scd"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/validate"
)

// entityWork carries one entity through the stages of a layer run. Each item is owned by a
// single worker at a time.
type entityWork struct {
	name     string
	entity   plan.Entity
	fact     *plan.Fact
	present  bool
	contract schema.DatasetContract
	batch    core.Batch
	versions []scd.Version
}

func (r *run) entityWorks() []*entityWork {
	out := make([]*entityWork, 0, len(r.group.Entities))
	for _, e := range r.group.Entities {
		out = append(out, &entityWork{name: e.Name, entity: e})
	}
	return out
}

func present(works []*entityWork) []*entityWork {
	var out []*entityWork
	for _, w := range works {
		if w.present {
			out = append(out, w)
		}
	}
	return out
}

// bronze: raw -> validate against the raw contract -> exact dedup + audit -> bronze partition.
func (r *run) bronze(ctx context.Context) error {
	works := r.entityWorks()
	if err := r.stage(ctx, StateValidating, true, func(ctx context.Context) error {
		return forEach(ctx, r, works, func(ctx context.Context, w *entityWork) error {
			return r.validateEntity(ctx, w, schema.LayerRaw, schema.LayerRaw, false)
		})
	}); err != nil {
		return err
	}
	if err := r.stage(ctx, StateDeduplicating, true, func(ctx context.Context) error {
		return forEach(ctx, r, present(works), func(ctx context.Context, w *entityWork) error {
			if err := r.dedupEntity(w, dedup.Options{Mode: dedup.ModeExact}); err != nil {
				return err
			}
			return r.write(ctx, string(StateDeduplicating), schema.LayerBronze, w.name, w.batch)
		})
	}); err != nil {
		return err
	}
	if err := r.stage(ctx, StateMerging, false, nil); err != nil {
		return err
	}
	return r.stage(ctx, StateAssembling, false, nil)
}

// silver: bronze -> standardize -> validate against the silver contract -> logical dedup ->
// SCD-2 merge for dimensions -> silver partitions, history and derived tables.
func (r *run) silver(ctx context.Context) error {
	works := r.entityWorks()
	if err := r.stage(ctx, StateValidating, true, func(ctx context.Context) error {
		return forEach(ctx, r, works, func(ctx context.Context, w *entityWork) error {
			return r.validateEntity(ctx, w, schema.LayerBronze, schema.LayerSilver, true)
		})
	}); err != nil {
		return err
	}
	if err := r.stage(ctx, StateDeduplicating, true, func(ctx context.Context) error {
		return forEach(ctx, r, present(works), func(_ context.Context, w *entityWork) error {
			return r.dedupEntity(w, w.entity.DedupOptions())
		})
	}); err != nil {
		return err
	}
	if err := r.stage(ctx, StateMerging, true, func(ctx context.Context) error {
		if err := forEach(ctx, r, present(works), func(ctx context.Context, w *entityWork) error {
			if w.entity.Kind != plan.KindDimension {
				return nil
			}
			return r.mergeEntity(ctx, w)
		}); err != nil {
			return err
		}
		if err := forEach(ctx, r, present(works), func(ctx context.Context, w *entityWork) error {
			if err := r.write(ctx, string(StateMerging), schema.LayerSilver, w.name, w.batch); err != nil {
				return err
			}
			if w.entity.Kind != plan.KindDimension {
				return nil
			}
			return r.io(ctx, string(StateMerging), w.name, func(ctx context.Context) error {
				return r.history.Save(ctx, w.name, w.versions)
			})
		}); err != nil {
			return err
		}
		return r.derive(ctx, works)
	}); err != nil {
		return err
	}
	return r.stage(ctx, StateAssembling, false, nil)
}

// gold: silver facts re-validated -> as-of assembly against dimension history -> gold facts,
// aggregates and dimension tables, each published when a publisher is configured.
func (r *run) gold(ctx context.Context) error {
	facts := make([]*entityWork, 0, len(r.group.Facts))
	for i := range r.group.Facts {
		f := &r.group.Facts[i]
		facts = append(facts, &entityWork{name: f.Source, fact: f})
	}
	var ownDims []plan.Entity
	for _, e := range r.group.Entities {
		if e.Kind == plan.KindDimension {
			ownDims = append(ownDims, e)
		}
	}

	if err := r.stage(ctx, StateValidating, len(facts) > 0, func(ctx context.Context) error {
		return forEach(ctx, r, facts, func(ctx context.Context, w *entityWork) error {
			return r.validateEntity(ctx, w, schema.LayerSilver, schema.LayerSilver, false)
		})
	}); err != nil {
		return err
	}
	if err := r.stage(ctx, StateDeduplicating, false, nil); err != nil {
		return err
	}
	if err := r.stage(ctx, StateMerging, false, nil); err != nil {
		return err
	}
	return r.stage(ctx, StateAssembling, len(facts) > 0 || len(ownDims) > 0, func(ctx context.Context) error {
		dims := r.c.plan.Dimensions(r.group.Name)
		histories := make(map[string][]scd.Version, len(dims))
		var mu sync.Mutex
		if err := forEach(ctx, r, dims, func(ctx context.Context, d plan.Entity) error {
			var vs []scd.Version
			if err := r.io(ctx, string(StateAssembling), d.Name, func(ctx context.Context) error {
				var err error
				vs, err = r.history.Load(ctx, d.Name)
				return err
			}); err != nil {
				return err
			}
			mu.Lock()
			histories[d.Name] = vs
			mu.Unlock()
			return nil
		}); err != nil {
			return err
		}
		indexes := make(map[string]*assemble.Index, len(histories))
		for name, vs := range histories {
			indexes[name] = assemble.NewIndex(name, vs)
		}

		if err := forEach(ctx, r, present(facts), func(ctx context.Context, w *entityWork) error {
			return r.assembleFact(ctx, w, indexes)
		}); err != nil {
			return err
		}
		return forEach(ctx, r, ownDims, func(ctx context.Context, d plan.Entity) error {
			table := assemble.DimensionTable(d.Name)
			b := assemble.DimensionBatch(r.meta(schema.LayerGold, table), d.BusinessKey, histories[d.Name])
			return r.emit(ctx, table, b)
		})
	})
}

// validateEntity reads the latest input partition and validates it. A missing partition marks
// the entity skipped for the rest of the run.
func (r *run) validateEntity(ctx context.Context, w *entityWork, input, contractLayer schema.Layer, standardize bool) error {
	stage := string(StateValidating)
	start := time.Now()
	report := StageReport{Stage: StateValidating, Entity: w.name}

	batch, ok, err := r.readLatest(ctx, stage, input, w.name)
	if err != nil {
		return r.failEntity(report, start, err)
	}
	if !ok {
		report.Status = StatusSkipped
		report.Detail = fmt.Sprintf("no %s partition", input)
		report.Duration = time.Since(start)
		r.record(report)
		r.logger.Info("entity skipped", "stage", stage, "entity", w.name, "reason", report.Detail)
		return nil
	}

	contract, err := r.contract(ctx, stage, contractLayer, w.name)
	if err != nil {
		return r.failEntity(report, start, err)
	}
	if standardize && r.c.standardizer != nil {
		batch, err = r.c.standardizer.Standardize(w.name, batch)
		if err != nil {
			return r.failEntity(report, start, &core.StageError{Kind: core.KindTypeCastFailure, Stage: stage, Layer: r.layer, Entity: w.name, Err: err})
		}
	}
	if err := validate.CheckMinRows(batch, w.entity.MinRows); err != nil {
		return r.failEntity(report, start, r.entityError(err, stage, w.name))
	}

	res, err := validate.Validate(batch, contract, validate.Options{
		CriticalColumns: w.entity.CriticalColumns,
		KeyColumn:       w.entity.BusinessKey,
		DropUnexpected:  w.entity.DropUnexpected,
	})
	if err != nil {
		return r.failEntity(report, start, fmt.Errorf("contract %s: %w", contract.ID(), err))
	}
	report.Counts = map[string]int{"input": res.Total, "accepted": res.Accepted.Len(), "rejected": len(res.Rejected)}
	for kind, n := range res.CountByKind() {
		report.Counts[string(kind)] = n
	}
	errs := make([]*core.RowError, len(res.Rejected))
	for i, rej := range res.Rejected {
		errs[i] = rej.Err
	}
	report.Rejections = rowErrors(errs)

	if err := validate.CheckThreshold(res, r.c.cfg.RejectionThreshold); err != nil {
		return r.failEntity(report, start, r.entityError(err, stage, w.name))
	}

	w.present = true
	w.contract = contract
	w.batch = res.Accepted
	report.Status = StatusCompleted
	report.Duration = time.Since(start)
	r.record(report)
	r.logger.Info("entity validated", "entity", w.name, "contract", contract.ID(),
		"accepted", res.Accepted.Len(), "rejected", len(res.Rejected), "duration_ms", report.Duration.Milliseconds())
	return nil
}

func (r *run) dedupEntity(w *entityWork, opts dedup.Options) error {
	start := time.Now()
	report := StageReport{Stage: StateDeduplicating, Entity: w.name}
	opts.BatchID = r.runID
	opts.SourceName = r.c.cfg.Source
	opts.IngestedAt = r.started

	res, err := dedup.Deduplicate(w.batch, w.contract, opts)
	if err != nil {
		return r.failEntity(report, start, &core.StageError{Kind: core.KindUpstreamError, Stage: string(StateDeduplicating), Layer: r.layer, Entity: w.name, Err: err})
	}
	w.batch = res.Batch
	report.Status = StatusCompleted
	report.Counts = map[string]int{"input": len(res.Batch.Rows) + len(res.Dropped), "kept": res.Batch.Len(), "exact": res.Exact, "logical": res.Logical}
	report.Duration = time.Since(start)
	r.record(report)
	return nil
}

func (r *run) mergeEntity(ctx context.Context, w *entityWork) error {
	stage := string(StateMerging)
	start := time.Now()
	report := StageReport{Stage: StateMerging, Entity: w.name}

	snaps, snapRejects := scd.SnapshotsFromBatch(w.batch, w.entity.BusinessKey, w.entity.ObservedAt)
	var history []scd.Version
	if err := r.io(ctx, stage, w.name, func(ctx context.Context) error {
		var err error
		history, err = r.history.Load(ctx, w.name)
		return err
	}); err != nil {
		return r.failEntity(report, start, err)
	}

	engine := scd.Engine{Entity: w.name, Tracked: w.entity.Tracked, Workers: r.c.cfg.Workers, BatchID: r.runID}
	res, err := engine.Merge(ctx, snaps, history)
	if err != nil {
		return r.failEntity(report, start, &core.StageError{Kind: core.ClassifyIO(ctx, err), Stage: stage, Layer: r.layer, Entity: w.name, Err: err})
	}

	errs := append([]*core.RowError(nil), snapRejects...)
	for _, rej := range res.Rejections {
		errs = append(errs, rej.Err)
	}
	rejected := len(errs)
	total := w.batch.Len()
	report.Counts = map[string]int{
		"snapshots": len(snaps),
		"inserted":  res.Summary.Inserted,
		"closed":    res.Summary.Closed,
		"unchanged": res.Summary.Unchanged,
		"rejected":  rejected,
		"versions":  len(res.Versions),
	}
	report.Rejections = rowErrors(errs)

	if th := r.c.cfg.RejectionThreshold; th > 0 && total > 0 {
		if ratio := float64(rejected) / float64(total); ratio > th {
			return r.failEntity(report, start, &core.StageError{
				Kind: core.KindThresholdExceeded, Stage: stage, Layer: r.layer, Entity: w.name,
				Err: fmt.Errorf("merge rejected %d of %d snapshots (%.2f%% > %.2f%%)", rejected, total, ratio*100, th*100),
			})
		}
	}
	w.versions = res.Versions
	report.Status = StatusCompleted
	report.Duration = time.Since(start)
	r.record(report)
	r.logger.Info("entity merged", "entity", w.name, "inserted", res.Summary.Inserted, "closed", res.Summary.Closed,
		"unchanged", res.Summary.Unchanged, "rejected", rejected, "duration_ms", report.Duration.Milliseconds())
	return nil
}

// derive writes the group's derived silver tables. Only tables the plan declares are accepted.
func (r *run) derive(ctx context.Context, works []*entityWork) error {
	if r.c.deriver == nil || len(r.group.Derived) == 0 {
		return nil
	}
	start := time.Now()
	report := StageReport{Stage: StateMerging, Entity: "derived"}
	silver := make(map[string]core.Batch)
	for _, w := range works {
		if w.present {
			silver[w.name] = w.batch
		}
	}
	tables, err := r.c.deriver.Derive(r.group.Name, silver)
	if err != nil {
		return r.failEntity(report, start, &core.StageError{Kind: core.KindUpstreamError, Stage: string(StateMerging), Layer: r.layer, Entity: "derived", Err: err})
	}
	declared := make(map[string]bool, len(r.group.Derived))
	for _, d := range r.group.Derived {
		declared[d] = true
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		if !declared[name] {
			return r.failEntity(report, start, fmt.Errorf("derived table %q is not declared for group %q", name, r.group.Name))
		}
		names = append(names, name)
	}
	sort.Strings(names)
	report.Counts = map[string]int{}
	for _, name := range names {
		b := tables[name]
		b.Meta = r.meta(schema.LayerSilver, name)
		if err := r.write(ctx, string(StateMerging), schema.LayerSilver, name, b); err != nil {
			return r.failEntity(report, start, err)
		}
		report.Counts[name] = b.Len()
	}
	report.Status = StatusCompleted
	report.Duration = time.Since(start)
	r.record(report)
	return nil
}

func (r *run) assembleFact(ctx context.Context, w *entityWork, indexes map[string]*assemble.Index) error {
	stage := string(StateAssembling)
	start := time.Now()
	spec := w.fact.FactSpec
	report := StageReport{Stage: StateAssembling, Entity: spec.Name}

	res, err := assemble.Assemble(w.batch, spec, indexes)
	if err != nil {
		return r.failEntity(report, start, err)
	}
	errs := make([]*core.RowError, len(res.Rejections))
	for i, rej := range res.Rejections {
		errs[i] = rej.Err
	}
	report.Counts = map[string]int{
		"candidates": res.Summary.Candidates,
		"assembled":  res.Summary.Assembled,
		"unresolved": res.Summary.Unresolved,
		"invalid":    res.Summary.Invalid,
		"rejected":   len(res.Rejections),
	}
	report.Rejections = rowErrors(errs)

	if limit := r.c.cfg.ReferentialCap; limit >= 0 && res.Summary.Unresolved > limit {
		return r.failEntity(report, start, &core.StageError{
			Kind: core.KindThresholdExceeded, Stage: stage, Layer: r.layer, Entity: spec.Name,
			Err: fmt.Errorf("%d unresolved dimension references exceed cap %d", res.Summary.Unresolved, limit),
		})
	}

	if err := r.emit(ctx, spec.Name, assemble.FactsToBatch(r.meta(schema.LayerGold, spec.Name), spec, res.Facts)); err != nil {
		return r.failEntity(report, start, err)
	}
	for _, gb := range spec.GroupBy {
		table := assemble.AggregateTable(spec.Name, gb)
		groups := assemble.Aggregate(res.Facts, spec, gb)
		if err := r.emit(ctx, table, assemble.GroupsToBatch(r.meta(schema.LayerGold, table), spec, gb, groups)); err != nil {
			return r.failEntity(report, start, err)
		}
	}
	report.Status = StatusCompleted
	report.Duration = time.Since(start)
	r.record(report)
	r.logger.Info("fact assembled", "fact", spec.Name, "assembled", res.Summary.Assembled,
		"unresolved", res.Summary.Unresolved, "invalid", res.Summary.Invalid, "duration_ms", report.Duration.Milliseconds())
	return nil
}

// emit writes a gold table and hands it to the publisher.
func (r *run) emit(ctx context.Context, table string, b core.Batch) error {
	stage := string(StateAssembling)
	if err := r.write(ctx, stage, schema.LayerGold, table, b); err != nil {
		return err
	}
	if r.c.publisher == nil {
		return nil
	}
	return r.io(ctx, stage, table, func(ctx context.Context) error {
		return r.c.publisher.Publish(ctx, table, b)
	})
}

func (r *run) failEntity(report StageReport, start time.Time, err error) error {
	err = r.entityError(err, string(report.Stage), report.Entity)
	report.Status = StatusFailed
	report.Detail = err.Error()
	report.Duration = time.Since(start)
	r.record(report)
	return err
}

// entityError fills in the stage context a bare or partial error lacks.
func (r *run) entityError(err error, stage, entity string) error {
	se, ok := err.(*core.StageError)
	if !ok {
		kind := core.KindUpstreamError
		if k, found := core.KindOf(err); found {
			kind = k
		}
		return &core.StageError{Kind: kind, Stage: stage, Layer: r.layer, Entity: entity, Err: err}
	}
	out := *se
	if out.Stage == "" {
		out.Stage = stage
	}
	if out.Layer == "" {
		out.Layer = r.layer
	}
	if out.Entity == "" {
		out.Entity = entity
	}
	return &out
}
