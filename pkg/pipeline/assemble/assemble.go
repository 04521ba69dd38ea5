// Package assemble builds fact tables from silver candidates, resolving every dimension
// reference with an as-of join on the version interval that contains the fact's event date.
// Rows that cannot be resolved are excluded and reported; aggregates only ever see resolved facts.
package assemble

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
)

var factNamespace = uuid.MustParse("0b9d2f61-7c4e-4d38-a1f5-93e6c2b8d04a")

// Reference ties a candidate column to a dimension.
type Reference struct {
	Dimension string `yaml:"dimension" validate:"required"`
	Column    string `yaml:"column" validate:"required"`
	// KeyName is the output column holding the resolved surrogate key. Defaults to <dimension>_key.
	KeyName string `yaml:"key_name"`
}

func (r Reference) OutputColumn() string {
	if r.KeyName != "" {
		return r.KeyName
	}
	return r.Dimension + "_key"
}

type Measure struct {
	Name   string `yaml:"name" validate:"required"`
	Column string `yaml:"column"`
}

func (m Measure) SourceColumn() string {
	if m.Column != "" {
		return m.Column
	}
	return m.Name
}

// FactSpec describes how one fact table is assembled.
type FactSpec struct {
	Name            string      `yaml:"name"`
	IDColumn        string      `yaml:"id_column"`
	EventDateColumn string      `yaml:"event_date_column" validate:"required"`
	References      []Reference `yaml:"references" validate:"dive"`
	Measures        []Measure   `yaml:"measures" validate:"dive"`
	Attributes      []string    `yaml:"attributes"`
	// GroupBy lists the aggregates written next to the fact table. Each entry is a dimension name
	// (grouped by surrogate key) or an attribute.
	GroupBy []string `yaml:"group_by"`
}

func (s FactSpec) validate() error {
	if s.EventDateColumn == "" {
		return fmt.Errorf("fact %q: event date column is required", s.Name)
	}
	seen := map[string]bool{}
	for _, r := range s.References {
		if r.Dimension == "" || r.Column == "" {
			return fmt.Errorf("fact %q: reference needs dimension and column", s.Name)
		}
		if seen[r.OutputColumn()] {
			return fmt.Errorf("fact %q: duplicate key column %q", s.Name, r.OutputColumn())
		}
		seen[r.OutputColumn()] = true
	}
	return nil
}

// Fact is one assembled fact row.
type Fact struct {
	FactID    string
	EventDate time.Time
	// Keys maps dimension name to the resolved surrogate key.
	Keys       map[string]string
	Measures   map[string]decimal.Decimal
	Attributes map[string]any
	Audit      core.Audit
}

type Rejection struct {
	Index int
	Row   core.Row
	Err   *core.RowError
}

type Summary struct {
	Candidates int
	Assembled  int
	// Unresolved counts rows excluded for a dimension reference with no covering version.
	Unresolved int
	// Invalid counts rows excluded for a missing event date, an empty or repeated id, or an
	// unparseable measure.
	Invalid int
}

type Result struct {
	Facts      []Fact
	Rejections []Rejection
	Summary    Summary
}

// Assemble resolves every candidate row against indexes (keyed by dimension name). A candidate
// with an unresolvable reference is excluded with UnresolvedDimensionReference. With an IDColumn,
// the first row carrying an id wins and later rows repeating it are rejected.
func Assemble(candidates core.Batch, spec FactSpec, indexes map[string]*Index) (Result, error) {
	if err := spec.validate(); err != nil {
		return Result{}, err
	}
	res := Result{Summary: Summary{Candidates: len(candidates.Rows)}}
	batchID := candidates.Meta.BatchID
	seen := make(map[string]int)

	for i, row := range candidates.Rows {
		reject := func(kind core.ErrorKind, key, col, detail string) {
			res.Rejections = append(res.Rejections, Rejection{Index: i, Row: row, Err: &core.RowError{
				Kind: kind, Row: i, BusinessKey: key, BatchID: batchID, Column: col, Detail: detail,
			}})
			if kind == core.KindUnresolvedDimensionReference {
				res.Summary.Unresolved++
			} else {
				res.Summary.Invalid++
			}
		}

		at, ok := eventTime(row[spec.EventDateColumn])
		if !ok {
			reject(core.KindMissingColumn, "", spec.EventDateColumn, "event date is empty or unparseable")
			continue
		}

		keys, refErr := resolveAll(row, at, spec.References, indexes)
		if refErr != nil {
			reject(core.KindUnresolvedDimensionReference, refErr.key, refErr.column, refErr.detail)
			continue
		}

		measures := make(map[string]decimal.Decimal, len(spec.Measures))
		bad := ""
		for _, m := range spec.Measures {
			d, err := toDecimal(row[m.SourceColumn()])
			if err != nil {
				bad = m.SourceColumn()
				break
			}
			measures[m.Name] = d
		}
		if bad != "" {
			reject(core.KindTypeCastFailure, "", bad, fmt.Sprintf("measure %q is not numeric", row.String(bad)))
			continue
		}

		id := ""
		if spec.IDColumn != "" {
			id = strings.TrimSpace(row.String(spec.IDColumn))
			if id == "" {
				reject(core.KindMissingColumn, "", spec.IDColumn, "fact id is empty")
				continue
			}
			if first, dup := seen[id]; dup {
				reject(core.KindTypeCastFailure, id, spec.IDColumn, fmt.Sprintf("duplicate fact id, first assembled from row %d", first))
				continue
			}
			seen[id] = i
		} else {
			id = factID(spec.Name, row)
		}

		attrs := make(map[string]any, len(spec.Attributes))
		for _, a := range spec.Attributes {
			attrs[a] = row[a]
		}
		audit, _ := core.AuditOf(row)
		res.Facts = append(res.Facts, Fact{
			FactID:     id,
			EventDate:  at,
			Keys:       keys,
			Measures:   measures,
			Attributes: attrs,
			Audit:      audit,
		})
	}
	res.Summary.Assembled = len(res.Facts)
	return res, nil
}

type refError struct {
	key, column, detail string
}

func resolveAll(row core.Row, at time.Time, refs []Reference, indexes map[string]*Index) (map[string]string, *refError) {
	keys := make(map[string]string, len(refs))
	for _, ref := range refs {
		key := strings.TrimSpace(row.String(ref.Column))
		if key == "" {
			return nil, &refError{column: ref.Column, detail: fmt.Sprintf("empty reference to %s", ref.Dimension)}
		}
		ix, ok := indexes[ref.Dimension]
		if !ok {
			return nil, &refError{key: key, column: ref.Column, detail: fmt.Sprintf("dimension %s is not loaded", ref.Dimension)}
		}
		v, ok := ix.Resolve(key, at)
		if !ok {
			return nil, &refError{key: key, column: ref.Column, detail: fmt.Sprintf(
				"no %s version covers %s", ref.Dimension, at.UTC().Format("2006-01-02"))}
		}
		keys[ref.Dimension] = v.SurrogateKey
	}
	return keys, nil
}

// factID derives a stable id from the row's data columns.
func factID(name string, row core.Row) string {
	cols := make([]string, 0, len(row))
	for c := range row {
		if !core.IsAuditColumn(c) {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	var b strings.Builder
	b.WriteString(name)
	for _, c := range cols {
		b.WriteString("\x1f" + c + "=" + row.String(c))
	}
	return uuid.NewSHA1(factNamespace, []byte(b.String())).String()
}

func eventTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02", "20060102"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// toDecimal treats a missing measure as zero.
func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return t, nil
	case int64:
		return decimal.NewFromInt(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported measure type %T", v)
	}
}
