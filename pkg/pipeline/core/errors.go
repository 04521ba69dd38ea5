package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// ErrorKind classifies pipeline failures. Row-level kinds are reported as rejections and never
// abort a batch; stage-level kinds fail the run.
type ErrorKind string

const (
	KindMissingColumn                ErrorKind = "MissingColumn"
	KindTypeCastFailure              ErrorKind = "TypeCastFailure"
	KindUnexpectedColumn             ErrorKind = "UnexpectedColumn"
	KindOutOfOrderSnapshot           ErrorKind = "OutOfOrderSnapshot"
	KindUnresolvedDimensionReference ErrorKind = "UnresolvedDimensionReference"
	KindUpstreamTimeout              ErrorKind = "UpstreamTimeout"
	KindThresholdExceeded            ErrorKind = "ThresholdExceeded"

	// KindUpstreamError is a non-timeout collaborator failure.
	KindUpstreamError ErrorKind = "UpstreamError"
	// KindUpstreamFailed marks a layer halted because a layer it depends on failed.
	KindUpstreamFailed ErrorKind = "UpstreamFailed"
	KindCancelled      ErrorKind = "Cancelled"
)

// RowError describes why a single row was rejected.
type RowError struct {
	Kind        ErrorKind
	Row         int
	BusinessKey string
	BatchID     string
	Column      string
	Detail      string
}

func (e *RowError) Error() string {
	if e == nil {
		return "row error"
	}
	parts := []string{fmt.Sprintf("%s: row=%d", e.Kind, e.Row)}
	if e.BusinessKey != "" {
		parts = append(parts, "key="+e.BusinessKey)
	}
	if e.BatchID != "" {
		parts = append(parts, "batch="+e.BatchID)
	}
	if e.Column != "" {
		parts = append(parts, "column="+e.Column)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, " ")
}

// StageError is a run-level failure tied to a stage of a layer.
type StageError struct {
	Kind   ErrorKind
	Stage  string
	Layer  schema.Layer
	Entity string
	Err    error
}

func (e *StageError) Error() string {
	if e == nil {
		return "stage error"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Layer != "" {
		b.WriteString(" layer=" + string(e.Layer))
	}
	if e.Stage != "" {
		b.WriteString(" stage=" + e.Stage)
	}
	if e.Entity != "" {
		b.WriteString(" entity=" + e.Entity)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	var re *RowError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// ClassifyIO maps a collaborator error onto a stage error kind. parent is the run context; a
// deadline on a derived I/O context while parent is still live is an upstream timeout.
func ClassifyIO(parent context.Context, err error) ErrorKind {
	if kind, ok := KindOf(err); ok {
		return kind
	}
	if parent.Err() != nil {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return KindUpstreamTimeout
	}
	return KindUpstreamError
}
