package scd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// Store persists the full version history of a dimension. The merge engine is the only writer.
type Store interface {
	Load(ctx context.Context, entity string) ([]Version, error)
	Save(ctx context.Context, entity string, versions []Version) error
}

// MemoryStore keeps history in process. Useful for tests and single-shot local runs.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Version)}
}

func (m *MemoryStore) Load(_ context.Context, entity string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.data[entity]
	out := make([]Version, len(vs))
	for i, v := range vs {
		out[i] = v.clone()
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, entity string, versions []Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Version, len(versions))
	for i, v := range versions {
		cp[i] = v.clone()
	}
	m.data[entity] = cp
	return nil
}

// HistoryEntity names the silver table holding an entity's history.
func HistoryEntity(entity string) string { return entity + "_history" }

// StorageStore writes each saved history as a new silver partition named <entity>_history and
// loads the latest one. Earlier partitions are left in place as an audit trail.
type StorageStore struct {
	Storage core.Storage
	// KeyColumns maps entity -> business key column name used in the history table.
	KeyColumns map[string]string
	// BatchID names the partition written by Save; it defaults to a timestamp.
	BatchID string
	Now     func() time.Time
}

func (s *StorageStore) keyCol(entity string) string {
	if c, ok := s.KeyColumns[entity]; ok && c != "" {
		return c
	}
	return "business_key"
}

func (s *StorageStore) Load(ctx context.Context, entity string) ([]Version, error) {
	key, ok, err := s.Storage.Latest(ctx, schema.LayerSilver, HistoryEntity(entity))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	b, err := s.Storage.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	vs, err := VersionsFromBatch(b, s.keyCol(entity))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key.Path(), err)
	}
	return vs, nil
}

func (s *StorageStore) Save(ctx context.Context, entity string, versions []Version) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	at := now().UTC()
	batchID := s.BatchID
	if batchID == "" {
		batchID = at.Format("20060102T150405.000000000Z")
	}
	key := core.PartitionKey{Layer: schema.LayerSilver, Entity: HistoryEntity(entity), Date: at, BatchID: batchID}
	meta := core.BatchMeta{Layer: schema.LayerSilver, Entity: key.Entity, BatchID: batchID, IngestedAt: at}
	return s.Storage.Write(ctx, key, VersionsToBatch(meta, s.keyCol(entity), versions))
}
