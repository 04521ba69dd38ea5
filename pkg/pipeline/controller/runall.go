package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

type layerRun struct {
	group string
	layer schema.Layer
}

func (l layerRun) String() string { return string(l.layer) + "/" + l.group }

// RunAll runs bronze, silver and gold for the named groups (every group when none are named).
// Each group's layers run in order; a group's gold also waits for the silver of every group it
// depends on. Independent groups run concurrently. A failed layer halts everything that depends
// on it, reported as UpstreamFailed, while unrelated groups carry on. Dependencies outside the
// selection are assumed to be satisfied.
func (c *Controller) RunAll(ctx context.Context, groups ...string) ([]RunReport, error) {
	if len(groups) == 0 {
		groups = c.plan.GroupNames()
	}
	selected := make(map[string]bool, len(groups))
	for _, g := range groups {
		if _, ok := c.plan.Group(g); !ok {
			return nil, fmt.Errorf("unknown group %q", g)
		}
		selected[g] = true
	}

	var nodes []layerRun
	deps := map[layerRun][]layerRun{}
	for _, name := range groups {
		g, _ := c.plan.Group(name)
		prev := layerRun{}
		for _, l := range schema.Layers {
			n := layerRun{group: name, layer: l}
			nodes = append(nodes, n)
			if prev.group != "" {
				deps[n] = append(deps[n], prev)
			}
			prev = n
		}
		gold := layerRun{group: name, layer: schema.LayerGold}
		for _, d := range g.DependsOn {
			if selected[d] {
				deps[gold] = append(deps[gold], layerRun{group: d, layer: schema.LayerSilver})
			}
		}
	}

	done := make(map[layerRun]chan struct{}, len(nodes))
	var mu sync.Mutex
	reports := make(map[layerRun]RunReport, len(nodes))
	for _, n := range nodes {
		done[n] = make(chan struct{})
	}

	// Failures are reported, not propagated, so siblings are never cancelled.
	var eg errgroup.Group
	results := make([]RunReport, len(nodes))
	for i, n := range nodes {
		eg.Go(func() error {
			defer close(done[n])
			var failedDep *layerRun
			for _, d := range deps[n] {
				select {
				case <-done[d]:
				case <-ctx.Done():
				}
				mu.Lock()
				rep, ok := reports[d]
				mu.Unlock()
				if ok && rep.Failed() && failedDep == nil {
					dd := d
					failedDep = &dd
				}
			}
			var rep RunReport
			if failedDep != nil {
				rep = c.halted(n, *failedDep)
				c.notify(ctx, rep)
			} else {
				var err error
				rep, err = c.Run(ctx, n.layer, n.group)
				if err != nil {
					return err
				}
			}
			mu.Lock()
			reports[n] = rep
			mu.Unlock()
			results[i] = rep
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// halted is the report of a layer that never started because a dependency failed.
func (c *Controller) halted(n, failed layerRun) RunReport {
	now := c.cfg.Now().UTC()
	m := NewMachine()
	_ = m.Transition(StateFailed)
	se := &core.StageError{
		Kind:  core.KindUpstreamFailed,
		Stage: string(StatePending),
		Layer: n.layer,
		Err:   fmt.Errorf("dependency %s failed", failed),
	}
	return RunReport{
		RunID:       newRunID(),
		Layer:       n.layer,
		Group:       n.group,
		Status:      StatusFailed,
		State:       m.State(),
		Transitions: m.History(),
		Failure:     se,
		FailureKind: se.Kind,
		FailureText: se.Error(),
		StartedAt:   now,
		FinishedAt:  now,
	}
}

// Summary counts reports by status for logging.
func Summary(reports []RunReport) (completed, failed int, elapsed time.Duration) {
	var first, last time.Time
	for _, r := range reports {
		if r.Failed() {
			failed++
		} else {
			completed++
		}
		if first.IsZero() || r.StartedAt.Before(first) {
			first = r.StartedAt
		}
		if r.FinishedAt.After(last) {
			last = r.FinishedAt
		}
	}
	return completed, failed, last.Sub(first)
}
