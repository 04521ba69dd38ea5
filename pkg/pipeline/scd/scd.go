// Package scd maintains Type-2 slowly changing dimension history.
//
// For each business key the versions form a contiguous, non-overlapping partition of time:
// the interval of a closed version ends exactly where its successor begins, and only the
// latest version is open-ended (ValidTo == nil) and current. Snapshots are applied per key in
// increasing ObservedAt order; a snapshot older than the current version is rejected, never
// back-filled.
package scd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/worker"
)

// surrogateNamespace seeds deterministic version keys so re-runs reproduce them.
var surrogateNamespace = uuid.MustParse("6f3c5a8e-2b1d-4e0a-9c57-1d2e3f4a5b6c")

// Snapshot is the observed state of one entity at one instant.
type Snapshot struct {
	BusinessKey string
	ObservedAt  time.Time
	Attributes  map[string]any
	// Audit is carried onto the version the snapshot creates.
	Audit core.Audit
}

// Version is one interval of an entity's history.
type Version struct {
	SurrogateKey string
	BusinessKey  string
	Attributes   map[string]any
	ValidFrom    time.Time
	ValidTo      *time.Time
	IsCurrent    bool
	RowHash      string
	Audit        core.Audit
}

func (v Version) clone() Version {
	out := v
	if v.ValidTo != nil {
		t := *v.ValidTo
		out.ValidTo = &t
	}
	return out
}

// Covers reports whether t falls inside [ValidFrom, ValidTo).
func (v Version) Covers(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || t.Before(*v.ValidTo)
}

type Summary struct {
	Inserted  int
	Closed    int
	Unchanged int
	Rejected  int
}

// Rejection is a snapshot the engine refused to apply.
type Rejection struct {
	Snapshot Snapshot
	Err      *core.RowError
}

type Result struct {
	// Versions is the complete history after the merge, sorted by business key then ValidFrom.
	Versions   []Version
	Summary    Summary
	Rejections []Rejection
}

// Engine merges snapshots into history.
type Engine struct {
	// Entity namespaces surrogate keys.
	Entity string
	// Tracked lists the attributes whose change opens a new version. Empty means all attributes.
	Tracked []string
	// Workers bounds key-partition parallelism.
	Workers int
	// Partitions is the number of key partitions. Defaults to Workers.
	Partitions int
	// BatchID is stamped on rejections.
	BatchID string
}

type keyWork struct {
	key       string
	history   []Version
	snapshots []Snapshot
}

type keyResult struct {
	versions   []Version
	summary    Summary
	rejections []Rejection
}

// Merge applies snapshots to history. Neither input slice is mutated. Updates for one business
// key are always applied by a single goroutine in ObservedAt order.
func (e Engine) Merge(ctx context.Context, snapshots []Snapshot, history []Version) (Result, error) {
	if err := CheckHistory(history); err != nil {
		return Result{}, fmt.Errorf("existing history: %w", err)
	}

	byKey := make(map[string]*keyWork)
	var keys []string
	get := func(k string) *keyWork {
		w, ok := byKey[k]
		if !ok {
			w = &keyWork{key: k}
			byKey[k] = w
			keys = append(keys, k)
		}
		return w
	}
	for _, v := range history {
		w := get(v.BusinessKey)
		w.history = append(w.history, v.clone())
	}
	for _, s := range snapshots {
		w := get(s.BusinessKey)
		w.snapshots = append(w.snapshots, s)
	}
	sort.Strings(keys)

	items := make([]*keyWork, len(keys))
	for i, k := range keys {
		items[i] = byKey[k]
	}

	workers := e.Workers
	if workers <= 0 {
		workers = 1
	}
	n := e.Partitions
	if n <= 0 {
		n = workers
	}
	parts := worker.Partition(items, n, func(w *keyWork) string { return w.key })

	results, err := worker.ProcessAll(ctx, parts, func(ctx context.Context, part []*keyWork) ([]keyResult, error) {
		out := make([]keyResult, 0, len(part))
		for _, w := range part {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out = append(out, e.mergeKey(w))
		}
		return out, nil
	}, worker.Options{Workers: workers, FailurePolicy: worker.FailurePolicyFailFast})
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, r := range results {
		for _, kr := range r.Output {
			res.Versions = append(res.Versions, kr.versions...)
			res.Rejections = append(res.Rejections, kr.rejections...)
			res.Summary.Inserted += kr.summary.Inserted
			res.Summary.Closed += kr.summary.Closed
			res.Summary.Unchanged += kr.summary.Unchanged
			res.Summary.Rejected += kr.summary.Rejected
		}
	}
	sortVersions(res.Versions)
	sort.SliceStable(res.Rejections, func(a, b int) bool {
		ra, rb := res.Rejections[a].Snapshot, res.Rejections[b].Snapshot
		if ra.BusinessKey != rb.BusinessKey {
			return ra.BusinessKey < rb.BusinessKey
		}
		return ra.ObservedAt.Before(rb.ObservedAt)
	})
	return res, nil
}

func (e Engine) mergeKey(w *keyWork) keyResult {
	var out keyResult
	versions := w.history
	sortVersions(versions)

	snaps := append([]Snapshot(nil), w.snapshots...)
	sort.SliceStable(snaps, func(a, b int) bool { return snaps[a].ObservedAt.Before(snaps[b].ObservedAt) })

	current := -1
	for i := range versions {
		if versions[i].IsCurrent {
			current = i
		}
	}

	for _, s := range snaps {
		hash := e.attributeHash(s.Attributes)

		if e.alreadyRecorded(versions, s.ObservedAt, hash) {
			out.summary.Unchanged++
			continue
		}
		if current < 0 {
			if n := len(versions); n > 0 && versions[n-1].ValidTo != nil && s.ObservedAt.Before(*versions[n-1].ValidTo) {
				out.rejections = append(out.rejections, e.reject(s, fmt.Sprintf(
					"observed_at %s is before last valid_to %s",
					s.ObservedAt.UTC().Format(time.RFC3339), versions[n-1].ValidTo.UTC().Format(time.RFC3339))))
				out.summary.Rejected++
				continue
			}
			versions = append(versions, e.newVersion(s, hash))
			current = len(versions) - 1
			out.summary.Inserted++
			continue
		}

		cur := &versions[current]
		if s.ObservedAt.Before(cur.ValidFrom) {
			out.rejections = append(out.rejections, e.reject(s, fmt.Sprintf(
				"observed_at %s is before current valid_from %s",
				s.ObservedAt.UTC().Format(time.RFC3339), cur.ValidFrom.UTC().Format(time.RFC3339))))
			out.summary.Rejected++
			continue
		}
		if e.attributeHash(cur.Attributes) == hash {
			out.summary.Unchanged++
			continue
		}
		if s.ObservedAt.Equal(cur.ValidFrom) {
			// Closing here would leave a zero-length interval.
			out.rejections = append(out.rejections, e.reject(s, fmt.Sprintf(
				"conflicting snapshot at current valid_from %s", cur.ValidFrom.UTC().Format(time.RFC3339))))
			out.summary.Rejected++
			continue
		}

		closedAt := s.ObservedAt
		cur.ValidTo = &closedAt
		cur.IsCurrent = false
		out.summary.Closed++

		versions = append(versions, e.newVersion(s, hash))
		current = len(versions) - 1
		out.summary.Inserted++
	}

	out.versions = versions
	return out
}

// alreadyRecorded reports whether an identical observation is already part of history, which
// makes replaying a processed batch a no-op.
func (e Engine) alreadyRecorded(versions []Version, at time.Time, hash string) bool {
	for _, v := range versions {
		if v.ValidFrom.Equal(at) && e.attributeHash(v.Attributes) == hash {
			return true
		}
	}
	return false
}

func (e Engine) newVersion(s Snapshot, hash string) Version {
	attrs := make(map[string]any, len(s.Attributes))
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	return Version{
		SurrogateKey: SurrogateKey(e.Entity, s.BusinessKey, s.ObservedAt),
		BusinessKey:  s.BusinessKey,
		Attributes:   attrs,
		ValidFrom:    s.ObservedAt,
		IsCurrent:    true,
		RowHash:      hash,
		Audit:        s.Audit,
	}
}

func (e Engine) reject(s Snapshot, detail string) Rejection {
	return Rejection{
		Snapshot: s,
		Err: &core.RowError{
			Kind:        core.KindOutOfOrderSnapshot,
			Row:         -1,
			BusinessKey: s.BusinessKey,
			BatchID:     e.BatchID,
			Detail:      detail,
		},
	}
}

func (e Engine) attributeHash(attrs map[string]any) string {
	return AttributeHash(attrs, e.Tracked)
}

// SurrogateKey derives the version key from entity, business key and valid_from.
func SurrogateKey(entity, businessKey string, validFrom time.Time) string {
	name := entity + "\x1f" + businessKey + "\x1f" + validFrom.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(surrogateNamespace, []byte(name)).String()
}

func sortVersions(vs []Version) {
	sort.SliceStable(vs, func(a, b int) bool {
		if vs[a].BusinessKey != vs[b].BusinessKey {
			return vs[a].BusinessKey < vs[b].BusinessKey
		}
		return vs[a].ValidFrom.Before(vs[b].ValidFrom)
	})
}
