package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// partFile is the name of the file a Store writes into each partition directory.
const partFile = "part-00000.csv"

// Store keeps partitions as directories under Root, laid out as
// layer/entity/YYYY/MM/DD/batch_id/. Reads accept any .csv or .xlsx files in a partition, so raw
// extracts can be dropped in by hand.
type Store struct {
	Root string
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{Root: root}, nil
}

func (s *Store) dir(key core.PartitionKey) string {
	return filepath.Join(s.Root, filepath.FromSlash(key.Path()))
}

func (s *Store) Read(ctx context.Context, key core.PartitionKey) (core.Batch, error) {
	if err := ctx.Err(); err != nil {
		return core.Batch{}, err
	}
	dir := s.dir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return core.Batch{}, fmt.Errorf("read partition %s: %w", key.Path(), err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".csv" || ext == ".xlsx") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return core.Batch{}, fmt.Errorf("partition %s has no data files", key.Path())
	}

	out := core.Batch{Meta: core.BatchMeta{Layer: key.Layer, Entity: key.Entity, BatchID: key.BatchID, IngestedAt: key.Date}}
	seen := map[string]bool{}
	for _, name := range names {
		b, err := readFile(filepath.Join(dir, name))
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

func readFile(path string) (core.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Batch{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ReadXLSX(f, "")
	}
	return ReadCSV(f)
}

// Write replaces the partition's data file. The file is written to a temporary name and renamed
// so readers never see a partial partition.
func (s *Store) Write(ctx context.Context, key core.PartitionKey, b core.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".part-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if err := WriteCSV(tmp, b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write partition %s: %w", key.Path(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, partFile))
}

// Latest finds the newest partition of entity in layer.
func (s *Store) Latest(ctx context.Context, layer schema.Layer, entity string) (core.PartitionKey, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.PartitionKey{}, false, err
	}
	pattern := filepath.Join(s.Root, string(layer), entity, "*", "*", "*", "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return core.PartitionKey{}, false, err
	}
	var best core.PartitionKey
	found := false
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(s.Root, m)
		if err != nil {
			continue
		}
		key, err := core.ParsePartitionPath(filepath.ToSlash(rel))
		if err != nil {
			continue
		}
		if !found || key.After(best) {
			best, found = key, true
		}
	}
	return best, found, nil
}

// Ingest copies a raw extract (.csv or .xlsx) into a new raw partition of entity and returns its
// key. batchID defaults to the file's base name.
func (s *Store) Ingest(ctx context.Context, entity, path, batchID string, at time.Time) (core.PartitionKey, error) {
	if err := ctx.Err(); err != nil {
		return core.PartitionKey{}, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".xlsx" {
		return core.PartitionKey{}, fmt.Errorf("unsupported extract %q (expected .csv or .xlsx)", path)
	}
	if batchID == "" {
		batchID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	key := core.PartitionKey{Layer: schema.LayerRaw, Entity: entity, Date: at.UTC(), BatchID: batchID}
	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.PartitionKey{}, err
	}

	src, err := os.Open(path)
	if err != nil {
		return core.PartitionKey{}, err
	}
	defer func() {
		_ = src.Close()
	}()
	dst, err := os.Create(filepath.Join(dir, "extract"+ext))
	if err != nil {
		return core.PartitionKey{}, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return core.PartitionKey{}, err
	}
	return key, dst.Close()
}

// Partitions lists every partition key under layer, for inspection commands.
func (s *Store) Partitions(layer schema.Layer) ([]core.PartitionKey, error) {
	root := filepath.Join(s.Root, string(layer))
	var out []core.PartitionKey
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		if key, err := core.ParsePartitionPath(filepath.ToSlash(rel)); err == nil {
			out = append(out, key)
			return fs.SkipDir
		}
		return nil
	})
	sort.Slice(out, func(a, b int) bool { return out[a].Path() < out[b].Path() })
	return out, err
}
