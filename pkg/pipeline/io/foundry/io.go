package foundryio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	localio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// ErrNoDataset is returned when no dataset alias is configured for a layer/entity.
var ErrNoDataset = errors.New("no dataset configured")

// Alias is the resource alias a layer/entity dataset is looked up under, e.g. "silver_beneficiary".
func Alias(layer schema.Layer, entity string) string {
	return string(layer) + "_" + entity
}

// Datasets resolves layer/entity pairs to Foundry datasets through the resource alias map.
type Datasets map[string]foundry.DatasetRef

func (d Datasets) lookup(layer schema.Layer, entity string) (foundry.DatasetRef, error) {
	ref, ok := d[Alias(layer, entity)]
	if !ok || strings.TrimSpace(ref.RID) == "" {
		return foundry.DatasetRef{}, fmt.Errorf("%w for alias %q", ErrNoDataset, Alias(layer, entity))
	}
	return ref, nil
}

// Storage keeps each layer/entity in its own dataset. A partition is the set of files under
// YYYY/MM/DD/batch_id/ inside that dataset; writes add a partition in an APPEND transaction.
type Storage struct {
	Client   *foundry.Client
	Datasets Datasets
	// Now dates raw table partitions. Defaults to time.Now.
	Now func() time.Time
}

// filePrefix is the dataset-relative directory of a partition.
func filePrefix(key core.PartitionKey) string {
	full := key.Path()
	return strings.TrimPrefix(full, string(key.Layer)+"/"+key.Entity+"/")
}

func (s *Storage) Read(ctx context.Context, key core.PartitionKey) (core.Batch, error) {
	ref, err := s.Datasets.lookup(key.Layer, key.Entity)
	if err != nil {
		return core.Batch{}, err
	}
	if isTableKey(key) {
		return s.readTable(ctx, ref, key)
	}
	files, err := s.Client.ListFiles(ctx, ref.RID, ref.Branch)
	if err != nil {
		return core.Batch{}, err
	}
	prefix := filePrefix(key) + "/"
	var names []string
	for _, f := range files {
		if strings.HasPrefix(f.Path, prefix) && strings.EqualFold(path.Ext(f.Path), ".csv") {
			names = append(names, f.Path)
		}
	}
	if len(names) == 0 {
		return core.Batch{}, fmt.Errorf("partition %s has no data files", key.Path())
	}
	sort.Strings(names)

	out := core.Batch{Meta: core.BatchMeta{Layer: key.Layer, Entity: key.Entity, BatchID: key.BatchID, IngestedAt: key.Date}}
	seen := map[string]bool{}
	for _, name := range names {
		raw, err := s.Client.ReadFile(ctx, ref.RID, ref.Branch, name)
		if err != nil {
			return core.Batch{}, err
		}
		b, err := localio.ReadCSV(bytes.NewReader(raw))
		if err != nil {
			return core.Batch{}, fmt.Errorf("partition %s file %s: %w", key.Path(), name, err)
		}
		for _, c := range b.Columns {
			if !seen[c] {
				seen[c] = true
				out.Columns = append(out.Columns, c)
			}
		}
		out.Rows = append(out.Rows, b.Rows...)
	}
	return out, nil
}

// Write uploads the batch as one CSV file. When the dataset already has an open transaction
// (the build that launched this module holds one) the file joins it and the owner commits.
func (s *Storage) Write(ctx context.Context, key core.PartitionKey, b core.Batch) error {
	ref, err := s.Datasets.lookup(key.Layer, key.Entity)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := localio.WriteCSV(&buf, b); err != nil {
		return err
	}

	createdTxn := true
	txnID, err := s.Client.CreateTransaction(ctx, ref.RID, ref.Branch, foundry.TransactionAppend)
	if err != nil {
		if !isOpenTransactionAlreadyExists(err) {
			return err
		}
		createdTxn = false
		var ok bool
		txnID, ok, err = s.Client.FindLatestOpenTransaction(ctx, ref.RID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("dataset %s reports an open transaction but none was listed", ref.RID)
		}
	}

	name := filePrefix(key) + "/part-00000.csv"
	if err := s.Client.UploadFile(ctx, ref.RID, txnID, name, "text/csv", buf.Bytes()); err != nil {
		return err
	}
	if createdTxn {
		return s.Client.CommitTransaction(ctx, ref.RID, txnID)
	}
	return nil
}

func (s *Storage) Latest(ctx context.Context, layer schema.Layer, entity string) (core.PartitionKey, bool, error) {
	ref, err := s.Datasets.lookup(layer, entity)
	if err != nil {
		return core.PartitionKey{}, false, err
	}
	files, err := s.Client.ListFiles(ctx, ref.RID, ref.Branch)
	if err != nil {
		return core.PartitionKey{}, false, err
	}
	var best core.PartitionKey
	found := false
	for _, f := range files {
		dir := path.Dir(strings.TrimPrefix(f.Path, "/"))
		key, err := core.ParsePartitionPath(string(layer) + "/" + entity + "/" + dir)
		if err != nil {
			continue
		}
		if !found || key.After(best) {
			best, found = key, true
		}
	}
	if found || layer != schema.LayerRaw {
		return best, found, nil
	}
	return s.latestTable(ctx, ref, entity)
}

// tableBatchPrefix marks a raw partition that stands for the whole dataset table, as landed by a
// Foundry sync rather than written under YYYY/MM/DD/batch_id.
const tableBatchPrefix = "txn-"

func isTableKey(key core.PartitionKey) bool {
	return key.Layer == schema.LayerRaw && strings.HasPrefix(key.BatchID, tableBatchPrefix)
}

// latestTable keys a raw table by the branch's latest transaction, so a new sync is a new batch.
func (s *Storage) latestTable(ctx context.Context, ref foundry.DatasetRef, entity string) (core.PartitionKey, bool, error) {
	txn, err := s.Client.GetBranchTransactionRID(ctx, ref.RID, ref.Branch)
	if err != nil {
		var he *foundry.HTTPError
		if errors.As(err, &he) && he.NotFound() {
			return core.PartitionKey{}, false, nil
		}
		return core.PartitionKey{}, false, err
	}
	if txn == "" {
		return core.PartitionKey{}, false, nil
	}
	id := txn[strings.LastIndex(txn, ".")+1:]
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return core.PartitionKey{Layer: schema.LayerRaw, Entity: entity, Date: now().UTC(), BatchID: tableBatchPrefix + id}, true, nil
}

func (s *Storage) readTable(ctx context.Context, ref foundry.DatasetRef, key core.PartitionKey) (core.Batch, error) {
	raw, err := s.Client.ReadTableCSV(ctx, ref.RID, ref.Branch)
	if err != nil {
		return core.Batch{}, err
	}
	b, err := localio.ReadCSV(bytes.NewReader(raw))
	if err != nil {
		return core.Batch{}, fmt.Errorf("table %s: %w", Alias(key.Layer, key.Entity), err)
	}
	b.Meta = core.BatchMeta{Layer: key.Layer, Entity: key.Entity, BatchID: key.BatchID, IngestedAt: key.Date}
	return b, nil
}

// Catalog reads contracts from the schema Foundry stores on each dataset.
type Catalog struct {
	Client   *foundry.Client
	Datasets Datasets
}

func (c *Catalog) Contract(ctx context.Context, layer schema.Layer, entity string) (schema.DatasetContract, error) {
	ref, err := c.Datasets.lookup(layer, entity)
	if err != nil {
		return schema.DatasetContract{}, err
	}
	raw, err := c.Client.GetDatasetSchema(ctx, ref.RID, ref.Branch)
	if err != nil {
		var he *foundry.HTTPError
		if errors.As(err, &he) && he.NotFound() {
			return schema.DatasetContract{}, fmt.Errorf("dataset %s has no schema: %w", Alias(layer, entity), schema.ErrContractNotFound)
		}
		return schema.DatasetContract{}, err
	}
	contract, err := ContractFromMetadataJSON(raw)
	if err != nil {
		return schema.DatasetContract{}, fmt.Errorf("dataset %s: %w", Alias(layer, entity), err)
	}
	contract.Layer = layer
	contract.Entity = entity
	if err := contract.Validate(); err != nil {
		return schema.DatasetContract{}, err
	}
	return contract, nil
}

// FallbackCatalog asks each catalog in turn and returns the first contract found. Datasets
// without a Foundry schema fall through to the embedded YAML registry.
type FallbackCatalog []core.Catalog

func (f FallbackCatalog) Contract(ctx context.Context, layer schema.Layer, entity string) (schema.DatasetContract, error) {
	var errs []error
	for _, c := range f {
		contract, err := c.Contract(ctx, layer, entity)
		if err == nil {
			return contract, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return schema.DatasetContract{}, fmt.Errorf("%s/%s: %w", layer, entity, schema.ErrContractNotFound)
	}
	return schema.DatasetContract{}, errors.Join(errs...)
}

func isOpenTransactionAlreadyExists(err error) bool {
	var he *foundry.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.Conflict("OpenTransactionAlreadyExists") || (he.Conflict("") && he.ErrorCode == "CONFLICT")
}
