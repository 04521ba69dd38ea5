package assemble

import (
	"sort"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/scd"
)

// Index answers as-of lookups against one dimension's version history.
type Index struct {
	dimension string
	byKey     map[string][]scd.Version
}

// NewIndex groups versions by business key, each list sorted by ValidFrom.
func NewIndex(dimension string, versions []scd.Version) *Index {
	ix := &Index{dimension: dimension, byKey: make(map[string][]scd.Version)}
	for _, v := range versions {
		ix.byKey[v.BusinessKey] = append(ix.byKey[v.BusinessKey], v)
	}
	for _, vs := range ix.byKey {
		sort.SliceStable(vs, func(a, b int) bool { return vs[a].ValidFrom.Before(vs[b].ValidFrom) })
	}
	return ix
}

func (ix *Index) Dimension() string { return ix.dimension }

// Keys is the number of distinct business keys.
func (ix *Index) Keys() int { return len(ix.byKey) }

// Resolve returns the version of key whose [ValidFrom, ValidTo) interval contains at.
func (ix *Index) Resolve(key string, at time.Time) (scd.Version, bool) {
	if ix == nil {
		return scd.Version{}, false
	}
	vs := ix.byKey[key]
	// First version starting after at; the candidate is the one before it.
	i := sort.Search(len(vs), func(i int) bool { return vs[i].ValidFrom.After(at) })
	if i == 0 {
		return scd.Version{}, false
	}
	if v := vs[i-1]; v.Covers(at) {
		return v, true
	}
	return scd.Version{}, false
}
