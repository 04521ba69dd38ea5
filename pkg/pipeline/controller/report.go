package controller

import (
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// maxReportedRejections bounds the rejections kept per stage report; counts stay exact.
const maxReportedRejections = 50

// StageReport is the outcome of one stage for one entity. Entity is empty for stages that did
// not apply to the layer.
type StageReport struct {
	Stage      State           `json:"stage"`
	Entity     string          `json:"entity,omitempty"`
	Status     Status          `json:"status"`
	Counts     map[string]int  `json:"counts,omitempty"`
	Rejections []core.RowError `json:"rejections,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Duration   time.Duration   `json:"duration_ns"`
}

// RunReport describes one layer run for one group. It is built once when the run ends and not
// modified afterwards.
type RunReport struct {
	RunID       string           `json:"run_id"`
	Layer       schema.Layer     `json:"layer"`
	Group       string           `json:"group"`
	Status      Status           `json:"status"`
	State       State            `json:"state"`
	Transitions []State          `json:"transitions"`
	Failure     *core.StageError `json:"-"`
	FailureKind core.ErrorKind   `json:"failure_kind,omitempty"`
	FailureText string           `json:"failure,omitempty"`
	Stages      []StageReport    `json:"stages"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}

func (r RunReport) Failed() bool { return r.Status == StatusFailed }

// Rejected sums the row rejections across stages.
func (r RunReport) Rejected() int {
	n := 0
	for _, s := range r.Stages {
		n += s.Counts["rejected"]
	}
	return n
}

// FailedEntities lists entities whose stage failed, in report order.
func (r RunReport) FailedEntities() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range r.Stages {
		if s.Status == StatusFailed && s.Entity != "" && !seen[s.Entity] {
			seen[s.Entity] = true
			out = append(out, s.Entity)
		}
	}
	if r.Failure != nil && r.Failure.Entity != "" && !seen[r.Failure.Entity] {
		out = append(out, r.Failure.Entity)
	}
	return out
}

func rowErrors(errs []*core.RowError) []core.RowError {
	n := len(errs)
	if n > maxReportedRejections {
		n = maxReportedRejections
	}
	out := make([]core.RowError, 0, n)
	for _, e := range errs[:n] {
		out = append(out, *e)
	}
	return out
}
