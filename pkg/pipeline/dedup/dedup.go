// Package dedup removes duplicate rows from a batch and stamps survivors with audit metadata.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

type Mode string

const (
	// ModeExact drops rows whose content hash was already seen, keeping the first occurrence.
	ModeExact Mode = "exact"
	// ModeLogical additionally collapses rows that share a business key and compare-column
	// content within a recency window, keeping the most recently observed row.
	ModeLogical Mode = "logical"
)

// ParseMode defaults to exact.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "", ModeExact:
		return ModeExact, nil
	case ModeLogical:
		return ModeLogical, nil
	default:
		return "", fmt.Errorf("unknown dedup mode %q (expected exact|logical)", raw)
	}
}

type Options struct {
	Mode Mode

	// KeyColumns identify a business entity (logical mode).
	KeyColumns []string
	// ObservedColumn holds the observation time used for recency (logical mode).
	ObservedColumn string
	// CompareColumns define "same content" for logical mode. Defaults to every contract column
	// except the key and observed columns.
	CompareColumns []string
	// Window bounds how far apart two observations may be and still collapse. <= 0 means no bound.
	Window time.Duration

	BatchID    string
	SourceName string
	IngestedAt time.Time
}

// Duplicate records one dropped row.
type Duplicate struct {
	Index int
	// KeptIndex is the surviving row the drop collapsed into, even when the chain passed through
	// rows that were dropped later.
	KeptIndex int
	Reason    Mode
	Row       core.Row
}

type Result struct {
	Batch   core.Batch
	Dropped []Duplicate
	Exact   int
	Logical int
}

// Hash is the SHA-256 of the contract columns in contract order. Audit columns and columns outside
// the contract do not contribute.
func Hash(row core.Row, contract schema.DatasetContract) string {
	return hashColumns(row, contract.Columns())
}

func hashColumns(row core.Row, cols []string) string {
	h := sha256.New()
	for _, c := range cols {
		v := row[c]
		// Distinguish nil from empty string.
		if v == nil {
			_, _ = h.Write([]byte{0})
		} else {
			_, _ = h.Write([]byte{1})
			_, _ = h.Write([]byte(core.FormatValue(v)))
		}
		_, _ = h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Deduplicate removes duplicates and stamps audit metadata on survivors. Input order is preserved
// apart from removed rows. Rows that already carry audit metadata from an earlier layer keep it.
func Deduplicate(batch core.Batch, contract schema.DatasetContract, opts Options) (Result, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeExact
	}
	if mode == ModeLogical {
		if len(opts.KeyColumns) == 0 {
			return Result{}, fmt.Errorf("logical dedup requires key columns")
		}
		if opts.ObservedColumn == "" {
			return Result{}, fmt.Errorf("logical dedup requires an observed column")
		}
	}

	meta := batch.Meta
	if opts.BatchID != "" {
		meta.BatchID = opts.BatchID
	}
	if meta.BatchID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Result{}, fmt.Errorf("generate batch id: %w", err)
		}
		meta.BatchID = id.String()
	}
	if opts.SourceName != "" {
		meta.Source = opts.SourceName
	}
	if !opts.IngestedAt.IsZero() {
		meta.IngestedAt = opts.IngestedAt
	}
	if meta.IngestedAt.IsZero() {
		meta.IngestedAt = time.Now().UTC()
	}

	hashes := make([]string, len(batch.Rows))
	for i, r := range batch.Rows {
		hashes[i] = Hash(r, contract)
	}

	res := Result{}
	keep := make([]bool, len(batch.Rows))
	firstSeen := make(map[string]int, len(batch.Rows))
	for i, h := range hashes {
		if j, ok := firstSeen[h]; ok {
			res.Dropped = append(res.Dropped, Duplicate{Index: i, KeptIndex: j, Reason: ModeExact, Row: batch.Rows[i]})
			res.Exact++
			continue
		}
		firstSeen[h] = i
		keep[i] = true
	}

	if mode == ModeLogical {
		res.Logical = collapseLogical(batch.Rows, keep, contract, opts, &res.Dropped)
		resolveSurvivors(res.Dropped, keep)
	}
	sort.SliceStable(res.Dropped, func(a, b int) bool { return res.Dropped[a].Index < res.Dropped[b].Index })

	out := make([]core.Row, 0, len(batch.Rows)-len(res.Dropped))
	for i, r := range batch.Rows {
		if !keep[i] {
			continue
		}
		stamped := r.Clone()
		if _, audited := core.AuditOf(r); !audited {
			core.Audit{
				BatchID:    meta.BatchID,
				SourceName: meta.Source,
				IngestedAt: meta.IngestedAt,
				RowHash:    hashes[i],
			}.Apply(stamped)
		}
		out = append(out, stamped)
	}

	res.Batch = core.Batch{Meta: meta, Columns: batch.Columns, Rows: out}
	return res, nil
}

func collapseLogical(rows []core.Row, keep []bool, contract schema.DatasetContract, opts Options, dropped *[]Duplicate) int {
	compare := opts.CompareColumns
	if len(compare) == 0 {
		skip := map[string]bool{opts.ObservedColumn: true}
		for _, k := range opts.KeyColumns {
			skip[k] = true
		}
		for _, c := range contract.Columns() {
			if !skip[c] {
				compare = append(compare, c)
			}
		}
	}

	groups := make(map[string][]int)
	var order []string
	for i, r := range rows {
		if !keep[i] {
			continue
		}
		g := hashColumns(r, opts.KeyColumns) + "/" + hashColumns(r, compare)
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], i)
	}

	n := 0
	for _, g := range order {
		idx := groups[g]
		if len(idx) < 2 {
			continue
		}
		// Oldest first; equal observations keep input order so the later row wins.
		sort.SliceStable(idx, func(a, b int) bool {
			return observed(rows[idx[a]], opts.ObservedColumn).Before(observed(rows[idx[b]], opts.ObservedColumn))
		})
		survivor := idx[0]
		for _, i := range idx[1:] {
			gap := observed(rows[i], opts.ObservedColumn).Sub(observed(rows[survivor], opts.ObservedColumn))
			if opts.Window > 0 && gap > opts.Window {
				survivor = i
				continue
			}
			keep[survivor] = false
			*dropped = append(*dropped, Duplicate{Index: survivor, KeptIndex: i, Reason: ModeLogical, Row: rows[survivor]})
			n++
			survivor = i
		}
	}
	return n
}

// resolveSurvivors follows each drop through later drops until it reaches a kept row.
func resolveSurvivors(dropped []Duplicate, keep []bool) {
	next := make(map[int]int, len(dropped))
	for _, d := range dropped {
		next[d.Index] = d.KeptIndex
	}
	for i := range dropped {
		k := dropped[i].KeptIndex
		for !keep[k] {
			n, ok := next[k]
			if !ok {
				break
			}
			k = n
		}
		dropped[i].KeptIndex = k
	}
}

func observed(r core.Row, col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02", "20060102"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
