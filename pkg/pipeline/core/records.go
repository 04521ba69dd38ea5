package core

import (
	"sort"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// Reserved audit columns. They are attached once at ingestion and carried through later layers
// untouched.
const (
	ColBatchID    = "_batch_id"
	ColSourceName = "_source_name"
	ColIngestedAt = "_ingested_at"
	ColRowHash    = "_row_hash"
)

// AuditColumns lists the reserved audit columns in output order.
var AuditColumns = []string{ColBatchID, ColSourceName, ColIngestedAt, ColRowHash}

// IsAuditColumn reports whether name is reserved for pipeline metadata.
func IsAuditColumn(name string) bool {
	return strings.HasPrefix(name, "_")
}

// Row is one record keyed by column name. Values are raw strings before validation and typed
// values (int64, decimal.Decimal, string, time.Time, bool, nil) after.
type Row map[string]any

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the canonical text form of a column value.
func (r Row) String(col string) string {
	return FormatValue(r[col])
}

// BatchMeta identifies a batch. Identity is batch-level: rows carry it through audit columns.
type BatchMeta struct {
	Source     string
	Layer      schema.Layer
	Entity     string
	BatchID    string
	IngestedAt time.Time
}

// Batch is an ordered set of rows sharing one source and ingestion identity.
type Batch struct {
	Meta BatchMeta
	// Columns is the preferred output column order. Optional.
	Columns []string
	Rows    []Row
}

func (b Batch) Len() int { return len(b.Rows) }

// WithRows returns a copy of b carrying rows.
func (b Batch) WithRows(rows []Row) Batch {
	out := b
	out.Rows = rows
	return out
}

// ColumnOrder returns Columns followed by any other data columns seen in rows (sorted), then the
// audit columns present.
func (b Batch) ColumnOrder() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range b.Columns {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	var extra []string
	audit := make(map[string]bool)
	for _, r := range b.Rows {
		for c := range r {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			if IsAuditColumn(c) {
				audit[c] = true
				continue
			}
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	out = append(out, extra...)
	for _, c := range AuditColumns {
		if audit[c] {
			out = append(out, c)
			delete(audit, c)
		}
	}
	var rest []string
	for c := range audit {
		rest = append(rest, c)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Audit is the lineage metadata attached to every bronze and silver row.
type Audit struct {
	BatchID    string
	SourceName string
	IngestedAt time.Time
	RowHash    string
}

// Apply writes the audit columns into r.
func (a Audit) Apply(r Row) {
	r[ColBatchID] = a.BatchID
	r[ColSourceName] = a.SourceName
	r[ColIngestedAt] = a.IngestedAt.UTC()
	r[ColRowHash] = a.RowHash
}

// AuditOf reads audit columns back from a row. ok is false if the row was never audited.
func AuditOf(r Row) (Audit, bool) {
	batchID := FormatValue(r[ColBatchID])
	if batchID == "" {
		return Audit{}, false
	}
	a := Audit{
		BatchID:    batchID,
		SourceName: FormatValue(r[ColSourceName]),
		RowHash:    FormatValue(r[ColRowHash]),
	}
	switch v := r[ColIngestedAt].(type) {
	case time.Time:
		a.IngestedAt = v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
			a.IngestedAt = t
		}
	}
	return a, true
}
