package assemble

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/scd"
)

// Fact table columns.
const (
	ColFactID    = "fact_id"
	ColEventDate = "event_date"
	ColGroup     = "group_key"
	ColCount     = "fact_count"
)

// DimensionTable names the gold table a dimension's history is published as.
func DimensionTable(dimension string) string { return "dim_" + dimension }

// AggregateTable names the gold aggregate of a fact table grouped by groupBy.
func AggregateTable(fact, groupBy string) string { return fact + "_by_" + groupBy }

// Group is one aggregate row.
type Group struct {
	Key   string
	Count int
	Sums  map[string]decimal.Decimal
}

// Aggregate totals facts per value of groupBy, which names a dimension (grouped by surrogate key)
// or an attribute. Groups are sorted by key.
func Aggregate(facts []Fact, spec FactSpec, groupBy string) []Group {
	isDim := false
	for _, r := range spec.References {
		if r.Dimension == groupBy {
			isDim = true
		}
	}
	groups := make(map[string]*Group)
	for _, f := range facts {
		var key string
		if isDim {
			key = f.Keys[groupBy]
		} else {
			key = core.FormatValue(f.Attributes[groupBy])
		}
		g, ok := groups[key]
		if !ok {
			g = &Group{Key: key, Sums: make(map[string]decimal.Decimal, len(spec.Measures))}
			for _, m := range spec.Measures {
				g.Sums[m.Name] = decimal.Zero
			}
			groups[key] = g
		}
		g.Count++
		for name, v := range f.Measures {
			g.Sums[name] = g.Sums[name].Add(v)
		}
	}
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

// FactsToBatch renders facts as a gold table: id, event date, surrogate keys, measures,
// attributes, then audit columns.
func FactsToBatch(meta core.BatchMeta, spec FactSpec, facts []Fact) core.Batch {
	cols := []string{ColFactID, ColEventDate}
	for _, r := range spec.References {
		cols = append(cols, r.OutputColumn())
	}
	for _, m := range spec.Measures {
		cols = append(cols, m.Name)
	}
	cols = append(cols, spec.Attributes...)

	rows := make([]core.Row, 0, len(facts))
	for _, f := range facts {
		r := core.Row{ColFactID: f.FactID, ColEventDate: f.EventDate.UTC()}
		for _, ref := range spec.References {
			r[ref.OutputColumn()] = f.Keys[ref.Dimension]
		}
		for _, m := range spec.Measures {
			r[m.Name] = f.Measures[m.Name]
		}
		for _, a := range spec.Attributes {
			r[a] = f.Attributes[a]
		}
		if f.Audit.BatchID != "" {
			f.Audit.Apply(r)
		}
		rows = append(rows, r)
	}
	return core.Batch{Meta: meta, Columns: cols, Rows: rows}
}

// GroupsToBatch renders aggregates with one sum column per measure.
func GroupsToBatch(meta core.BatchMeta, spec FactSpec, groupBy string, groups []Group) core.Batch {
	cols := []string{ColGroup, ColCount}
	for _, m := range spec.Measures {
		cols = append(cols, "total_"+m.Name)
	}
	rows := make([]core.Row, 0, len(groups))
	for _, g := range groups {
		r := core.Row{ColGroup: g.Key, ColCount: int64(g.Count), "group_by": groupBy}
		for _, m := range spec.Measures {
			r["total_"+m.Name] = g.Sums[m.Name]
		}
		rows = append(rows, r)
	}
	return core.Batch{Meta: meta, Columns: append(cols, "group_by"), Rows: rows}
}

// DimensionBatch renders a gold dimension table: the full version history without audit
// lineage, so consumers join facts on surrogate_key.
func DimensionBatch(meta core.BatchMeta, keyCol string, versions []scd.Version) core.Batch {
	stripped := make([]scd.Version, len(versions))
	for i, v := range versions {
		v.Audit = core.Audit{}
		stripped[i] = v
	}
	return scd.VersionsToBatch(meta, keyCol, stripped)
}
