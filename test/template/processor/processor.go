// Package processor is the starting point for a new source domain: a standardizer that turns a
// bronze batch into rows matching the domain's silver contract.
package processor

import (
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
)

// Standardizer upper-cases provider codes and passes every other entity through.
type Standardizer struct{}

func (Standardizer) Standardize(entity string, batch core.Batch) (core.Batch, error) {
	if entity != "provider" {
		return batch, nil
	}
	rows := make([]core.Row, len(batch.Rows))
	for i, r := range batch.Rows {
		out := r.Clone()
		out["provider_code"] = strings.ToUpper(strings.TrimSpace(r.String("provider_code")))
		rows[i] = out
	}
	out := batch.WithRows(rows)
	out.Columns = nil
	return out, nil
}
