package core

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// PartitionKey locates one written batch: layer/entity/YYYY/MM/DD/batch_id.
type PartitionKey struct {
	Layer   schema.Layer
	Entity  string
	Date    time.Time
	BatchID string
}

// Path renders the logical partition path.
func (k PartitionKey) Path() string {
	d := k.Date.UTC()
	return path.Join(
		string(k.Layer),
		k.Entity,
		fmt.Sprintf("%04d", d.Year()),
		fmt.Sprintf("%02d", int(d.Month())),
		fmt.Sprintf("%02d", d.Day()),
		k.BatchID,
	)
}

func (k PartitionKey) String() string { return k.Path() }

// After reports whether k sorts after other (by date, then batch id).
func (k PartitionKey) After(other PartitionKey) bool {
	a, b := k.Date.UTC().Truncate(24*time.Hour), other.Date.UTC().Truncate(24*time.Hour)
	if !a.Equal(b) {
		return a.After(b)
	}
	return k.BatchID > other.BatchID
}

// ParsePartitionPath is the inverse of PartitionKey.Path.
func ParsePartitionPath(p string) (PartitionKey, error) {
	parts := strings.Split(strings.Trim(path.Clean(p), "/"), "/")
	if len(parts) != 6 {
		return PartitionKey{}, fmt.Errorf("partition path %q: want layer/entity/YYYY/MM/DD/batch_id", p)
	}
	layer, err := schema.ParseLayer(parts[0])
	if err != nil {
		return PartitionKey{}, fmt.Errorf("partition path %q: %w", p, err)
	}
	var ymd [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[2+i])
		if err != nil {
			return PartitionKey{}, fmt.Errorf("partition path %q: bad date segment %q", p, parts[2+i])
		}
		ymd[i] = n
	}
	if ymd[1] < 1 || ymd[1] > 12 || ymd[2] < 1 || ymd[2] > 31 {
		return PartitionKey{}, fmt.Errorf("partition path %q: date out of range", p)
	}
	if parts[1] == "" || parts[5] == "" {
		return PartitionKey{}, fmt.Errorf("partition path %q: empty segment", p)
	}
	return PartitionKey{
		Layer:   layer,
		Entity:  parts[1],
		Date:    time.Date(ymd[0], time.Month(ymd[1]), ymd[2], 0, 0, 0, 0, time.UTC),
		BatchID: parts[5],
	}, nil
}
