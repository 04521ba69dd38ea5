// Package gcs stores partitions as objects in a Google Cloud Storage bucket, using the same
// layer/entity/YYYY/MM/DD/batch_id/ layout as the local filesystem store.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	localio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

const partObject = "part-00000.csv"

// Store implements core.Storage over one bucket. Prefix, when set, roots every object name.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	Prefix string
}

// Open connects to bucket. Explicit credentialsJSON wins over Application Default Credentials.
func Open(ctx context.Context, bucket, prefix, credentialsJSON string) (*Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %w", bucket, err)
	}
	return &Store{client: client, bucket: client.Bucket(bucket), Prefix: prefix}, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// PartitionPrefix is the object name prefix (with trailing slash) holding a partition's files.
func PartitionPrefix(prefix string, key core.PartitionKey) string {
	return joinPrefix(prefix, key.Path()) + "/"
}

// EntityPrefix is the object name prefix under which every partition of layer/entity lives.
func EntityPrefix(prefix string, layer schema.Layer, entity string) string {
	return joinPrefix(prefix, string(layer)+"/"+entity) + "/"
}

// KeyFromObject recovers the partition key from an object name written under prefix.
func KeyFromObject(prefix, name string) (core.PartitionKey, error) {
	rel := name
	if p := strings.Trim(prefix, "/"); p != "" {
		if !strings.HasPrefix(name, p+"/") {
			return core.PartitionKey{}, fmt.Errorf("object %q is outside prefix %q", name, p)
		}
		rel = strings.TrimPrefix(name, p+"/")
	}
	return core.ParsePartitionPath(path.Dir(rel))
}

func joinPrefix(prefix, rel string) string {
	if p := strings.Trim(prefix, "/"); p != "" {
		return p + "/" + rel
	}
	return rel
}

func (s *Store) Read(ctx context.Context, key core.PartitionKey) (core.Batch, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: PartitionPrefix(s.Prefix, key)})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return core.Batch{}, err
		}
		ext := strings.ToLower(path.Ext(attrs.Name))
		if ext == ".csv" || ext == ".xlsx" {
			names = append(names, attrs.Name)
		}
	}
	if len(names) == 0 {
		return core.Batch{}, fmt.Errorf("partition %s has no data objects", key.Path())
	}
	sort.Strings(names)

	out := core.Batch{Meta: core.BatchMeta{Layer: key.Layer, Entity: key.Entity, BatchID: key.BatchID, IngestedAt: key.Date}}
	seen := map[string]bool{}
	for _, name := range names {
		b, err := s.readObject(ctx, name)
		if err != nil {
			return core.Batch{}, fmt.Errorf("partition %s: %w", key.Path(), err)
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

func (s *Store) readObject(ctx context.Context, name string) (core.Batch, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return core.Batch{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() {
		_ = r.Close()
	}()
	if strings.EqualFold(path.Ext(name), ".xlsx") {
		// excelize needs the whole workbook.
		raw, err := io.ReadAll(r)
		if err != nil {
			return core.Batch{}, err
		}
		return localio.ReadXLSX(bytes.NewReader(raw), "")
	}
	return localio.ReadCSV(r)
}

// Write uploads the batch as a single CSV object. The object becomes visible only when the
// writer closes cleanly, so readers never see a partial partition.
func (s *Store) Write(ctx context.Context, key core.PartitionKey, b core.Batch) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.bucket.Object(PartitionPrefix(s.Prefix, key) + partObject).NewWriter(ctx)
	w.ContentType = "text/csv"
	w.Metadata = map[string]string{"batch_id": key.BatchID, "entity": key.Entity}
	if err := localio.WriteCSV(w, b); err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		_ = w.Close()
		return fmt.Errorf("write partition %s: %w", key.Path(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write partition %s: %w", key.Path(), err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, layer schema.Layer, entity string) (core.PartitionKey, bool, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: EntityPrefix(s.Prefix, layer, entity)})
	var best core.PartitionKey
	found := false
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return core.PartitionKey{}, false, err
		}
		key, err := KeyFromObject(s.Prefix, attrs.Name)
		if err != nil {
			continue
		}
		if !found || key.After(best) {
			best, found = key, true
		}
	}
	return best, found, nil
}
