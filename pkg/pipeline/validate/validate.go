// Package validate casts raw rows against a schema contract and separates accepted rows from
// rejections. Rejections are data, never errors: a bad row never aborts its batch.
package validate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// Options tune validation beyond the contract itself.
type Options struct {
	// DropUnexpected silently drops columns not in the contract instead of rejecting the row.
	DropUnexpected bool
	// CriticalColumns must be non-null even when the contract marks them nullable.
	CriticalColumns []string
	// KeyColumn, when set, is copied into RowError.BusinessKey for traceability.
	KeyColumn string
}

// Rejection is one row that failed validation.
type Rejection struct {
	Index int
	Row   core.Row
	Err   *core.RowError
}

// Result partitions an input batch.
type Result struct {
	Accepted core.Batch
	Rejected []Rejection
	Total    int
}

// Ratio is rejected/total; 0 for an empty batch.
func (r Result) Ratio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(len(r.Rejected)) / float64(r.Total)
}

// CountByKind tallies rejections per error kind.
func (r Result) CountByKind() map[core.ErrorKind]int {
	out := make(map[core.ErrorKind]int)
	for _, rej := range r.Rejected {
		out[rej.Err.Kind]++
	}
	return out
}

// Validate checks every row against contract. Accepted rows carry typed values for contract
// columns plus any audit columns already present; rejected rows are returned unchanged.
func Validate(batch core.Batch, contract schema.DatasetContract, opts Options) (Result, error) {
	if err := contract.Validate(); err != nil {
		return Result{}, err
	}
	critical := make(map[string]bool, len(opts.CriticalColumns))
	for _, c := range opts.CriticalColumns {
		critical[c] = true
	}

	res := Result{Total: len(batch.Rows)}
	accepted := make([]core.Row, 0, len(batch.Rows))
	for i, row := range batch.Rows {
		out, rerr := validateRow(row, contract, critical, opts.DropUnexpected)
		if rerr != nil {
			rerr.Row = i
			rerr.BatchID = batch.Meta.BatchID
			if opts.KeyColumn != "" {
				rerr.BusinessKey = row.String(opts.KeyColumn)
			}
			res.Rejected = append(res.Rejected, Rejection{Index: i, Row: row, Err: rerr})
			continue
		}
		accepted = append(accepted, out)
	}

	res.Accepted = batch.WithRows(accepted)
	res.Accepted.Columns = contract.Columns()
	return res, nil
}

func validateRow(row core.Row, contract schema.DatasetContract, critical map[string]bool, dropUnexpected bool) (core.Row, *core.RowError) {
	for _, f := range contract.Fields {
		if _, ok := row[f.Name]; !ok {
			return nil, &core.RowError{Kind: core.KindMissingColumn, Column: f.Name, Detail: "column not present"}
		}
	}
	if !dropUnexpected {
		if extra := unexpectedColumns(row, contract); len(extra) > 0 {
			return nil, &core.RowError{Kind: core.KindUnexpectedColumn, Column: extra[0], Detail: fmt.Sprintf("columns not in contract %s: %v", contract.ID(), extra)}
		}
	}

	out := make(core.Row, len(contract.Fields)+len(core.AuditColumns))
	for _, f := range contract.Fields {
		v, err := Cast(row[f.Name], f.Type)
		if errors.Is(err, errEmpty) {
			if !f.Nullable || critical[f.Name] {
				return nil, &core.RowError{Kind: core.KindTypeCastFailure, Column: f.Name, Detail: "required value is empty"}
			}
			out[f.Name] = nil
			continue
		}
		if err != nil {
			return nil, &core.RowError{Kind: core.KindTypeCastFailure, Column: f.Name, Detail: err.Error()}
		}
		out[f.Name] = v
	}
	for k, v := range row {
		if core.IsAuditColumn(k) {
			out[k] = v
		}
	}
	return out, nil
}

func unexpectedColumns(row core.Row, contract schema.DatasetContract) []string {
	var extra []string
	for k := range row {
		if core.IsAuditColumn(k) {
			continue
		}
		if _, ok := contract.Field(k); !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

// CheckThreshold fails when the rejection ratio exceeds threshold. A threshold <= 0 disables the
// check; 1 tolerates any ratio.
func CheckThreshold(res Result, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if ratio := res.Ratio(); ratio > threshold {
		return &core.StageError{
			Kind: core.KindThresholdExceeded,
			Err:  fmt.Errorf("rejected %d of %d rows (%.2f%% > %.2f%%)", len(res.Rejected), res.Total, ratio*100, threshold*100),
		}
	}
	return nil
}

// CheckMinRows fails when a batch has fewer than min rows.
func CheckMinRows(batch core.Batch, min int) error {
	if min <= 0 || batch.Len() >= min {
		return nil
	}
	return &core.StageError{
		Kind: core.KindThresholdExceeded,
		Err:  fmt.Errorf("insufficient rows: %d < %d", batch.Len(), min),
	}
}
