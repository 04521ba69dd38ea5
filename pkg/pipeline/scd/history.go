package scd

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
)

// History table columns.
const (
	ColSurrogateKey = "surrogate_key"
	ColValidFrom    = "valid_from"
	ColValidTo      = "valid_to"
	ColIsCurrent    = "is_current"
	ColVersionHash  = "version_hash"
)

// AttributeHash hashes the tracked attributes (all when tracked is empty) by canonical value.
func AttributeHash(attrs map[string]any, tracked []string) string {
	cols := tracked
	if len(cols) == 0 {
		cols = make([]string, 0, len(attrs))
		for k := range attrs {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}
	h := sha256.New()
	for _, c := range cols {
		_, _ = h.Write([]byte(c))
		_, _ = h.Write([]byte{0x1e})
		_, _ = h.Write([]byte(core.FormatValue(attrs[c])))
		_, _ = h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckHistory verifies the interval invariants for every business key:
// at most one current version, ValidTo nil iff current, and consecutive versions meeting
// exactly (no gap, no overlap).
func CheckHistory(versions []Version) error {
	byKey := make(map[string][]Version)
	for _, v := range versions {
		byKey[v.BusinessKey] = append(byKey[v.BusinessKey], v)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		vs := append([]Version(nil), byKey[k]...)
		sort.SliceStable(vs, func(a, b int) bool { return vs[a].ValidFrom.Before(vs[b].ValidFrom) })
		current := 0
		for i, v := range vs {
			if v.IsCurrent {
				current++
			}
			if v.IsCurrent != (v.ValidTo == nil) {
				errs = append(errs, fmt.Errorf("key %s: version from %s has is_current=%v but valid_to=%v", k, v.ValidFrom.Format(time.RFC3339), v.IsCurrent, v.ValidTo))
			}
			if v.ValidTo != nil && !v.ValidTo.After(v.ValidFrom) {
				errs = append(errs, fmt.Errorf("key %s: empty interval at %s", k, v.ValidFrom.Format(time.RFC3339)))
			}
			if i == 0 {
				continue
			}
			prev := vs[i-1]
			if prev.ValidTo == nil {
				errs = append(errs, fmt.Errorf("key %s: open version at %s is followed by %s", k, prev.ValidFrom.Format(time.RFC3339), v.ValidFrom.Format(time.RFC3339)))
				continue
			}
			if !prev.ValidTo.Equal(v.ValidFrom) {
				errs = append(errs, fmt.Errorf("key %s: gap or overlap between %s and %s", k, prev.ValidTo.Format(time.RFC3339), v.ValidFrom.Format(time.RFC3339)))
			}
		}
		if current > 1 {
			errs = append(errs, fmt.Errorf("key %s: %d current versions", k, current))
		}
	}
	return errors.Join(errs...)
}

// Current returns the current version of every key.
func Current(versions []Version) []Version {
	var out []Version
	for _, v := range versions {
		if v.IsCurrent {
			out = append(out, v)
		}
	}
	return out
}

// SnapshotsFromBatch turns standardized rows into snapshots. Every non-audit column other than
// keyCol and observedCol becomes an attribute. Rows lacking a key or an observation time are
// returned as MissingColumn rejections.
func SnapshotsFromBatch(batch core.Batch, keyCol, observedCol string) ([]Snapshot, []*core.RowError) {
	var snaps []Snapshot
	var rejected []*core.RowError
	for i, r := range batch.Rows {
		key := strings.TrimSpace(r.String(keyCol))
		if key == "" {
			rejected = append(rejected, &core.RowError{Kind: core.KindMissingColumn, Row: i, BatchID: batch.Meta.BatchID, Column: keyCol, Detail: "business key is empty"})
			continue
		}
		at, ok := timeValue(r[observedCol])
		if !ok {
			rejected = append(rejected, &core.RowError{Kind: core.KindMissingColumn, Row: i, BusinessKey: key, BatchID: batch.Meta.BatchID, Column: observedCol, Detail: "observation time is empty"})
			continue
		}
		attrs := make(map[string]any, len(r))
		for c, v := range r {
			if c == keyCol || c == observedCol || core.IsAuditColumn(c) {
				continue
			}
			attrs[c] = v
		}
		audit, _ := core.AuditOf(r)
		snaps = append(snaps, Snapshot{BusinessKey: key, ObservedAt: at, Attributes: attrs, Audit: audit})
	}
	return snaps, rejected
}

// VersionsToBatch renders history as a table: surrogate key, business key (named keyCol),
// attributes, interval columns, then audit columns.
func VersionsToBatch(meta core.BatchMeta, keyCol string, versions []Version) core.Batch {
	attrCols := map[string]struct{}{}
	for _, v := range versions {
		for k := range v.Attributes {
			attrCols[k] = struct{}{}
		}
	}
	attrs := make([]string, 0, len(attrCols))
	for k := range attrCols {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	cols := append([]string{ColSurrogateKey, keyCol}, attrs...)
	cols = append(cols, ColValidFrom, ColValidTo, ColIsCurrent, ColVersionHash)

	rows := make([]core.Row, 0, len(versions))
	for _, v := range versions {
		r := core.Row{
			ColSurrogateKey: v.SurrogateKey,
			keyCol:          v.BusinessKey,
			ColValidFrom:    v.ValidFrom.UTC(),
			ColIsCurrent:    v.IsCurrent,
			ColVersionHash:  v.RowHash,
		}
		if v.ValidTo != nil {
			r[ColValidTo] = v.ValidTo.UTC()
		} else {
			r[ColValidTo] = nil
		}
		for _, a := range attrs {
			r[a] = v.Attributes[a]
		}
		if v.Audit.BatchID != "" {
			v.Audit.Apply(r)
		}
		rows = append(rows, r)
	}
	return core.Batch{Meta: meta, Columns: cols, Rows: rows}
}

// VersionsFromBatch is the inverse of VersionsToBatch.
func VersionsFromBatch(batch core.Batch, keyCol string) ([]Version, error) {
	reserved := map[string]bool{
		ColSurrogateKey: true, keyCol: true, ColValidFrom: true, ColValidTo: true, ColIsCurrent: true, ColVersionHash: true,
	}
	out := make([]Version, 0, len(batch.Rows))
	for i, r := range batch.Rows {
		from, ok := timeValue(r[ColValidFrom])
		if !ok {
			return nil, fmt.Errorf("history row %d: invalid %s %q", i, ColValidFrom, r.String(ColValidFrom))
		}
		v := Version{
			SurrogateKey: r.String(ColSurrogateKey),
			BusinessKey:  r.String(keyCol),
			ValidFrom:    from,
			RowHash:      r.String(ColVersionHash),
			Attributes:   map[string]any{},
		}
		if to, ok := timeValue(r[ColValidTo]); ok {
			v.ValidTo = &to
		}
		cur, err := boolValue(r[ColIsCurrent])
		if err != nil {
			return nil, fmt.Errorf("history row %d: %w", i, err)
		}
		v.IsCurrent = cur
		for c, val := range r {
			if reserved[c] || core.IsAuditColumn(c) {
				continue
			}
			v.Attributes[c] = val
		}
		if a, ok := core.AuditOf(r); ok {
			v.Audit = a
		}
		out = append(out, v)
	}
	return out, nil
}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02", "20060102"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func boolValue(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return false, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("invalid %s %q", ColIsCurrent, t)
		}
		return b, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s %T", ColIsCurrent, v)
	}
}
