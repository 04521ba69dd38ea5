package core

import (
	"context"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// Storage reads and writes partitioned record batches. Implementations exist for the local
// filesystem, Foundry datasets and Google Cloud Storage.
type Storage interface {
	Read(ctx context.Context, key PartitionKey) (Batch, error)
	Write(ctx context.Context, key PartitionKey, batch Batch) error
	// Latest returns the most recent partition for a layer/entity. ok is false when none exists.
	Latest(ctx context.Context, layer schema.Layer, entity string) (key PartitionKey, ok bool, err error)
}

// Catalog resolves the contract a dataset must satisfy.
type Catalog interface {
	Contract(ctx context.Context, layer schema.Layer, entity string) (schema.DatasetContract, error)
}

// StorageFunc adapts plain functions to Storage, mostly for tests.
type StorageFunc struct {
	ReadFunc   func(ctx context.Context, key PartitionKey) (Batch, error)
	WriteFunc  func(ctx context.Context, key PartitionKey, batch Batch) error
	LatestFunc func(ctx context.Context, layer schema.Layer, entity string) (PartitionKey, bool, error)
}

func (f StorageFunc) Read(ctx context.Context, key PartitionKey) (Batch, error) {
	return f.ReadFunc(ctx, key)
}

func (f StorageFunc) Write(ctx context.Context, key PartitionKey, batch Batch) error {
	return f.WriteFunc(ctx, key, batch)
}

func (f StorageFunc) Latest(ctx context.Context, layer schema.Layer, entity string) (PartitionKey, bool, error) {
	return f.LatestFunc(ctx, layer, entity)
}
