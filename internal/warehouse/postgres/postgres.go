// Package postgres publishes gold tables to a Postgres query surface and can hold SCD-2
// dimension history in place of the storage backend.
//
// Every publish replaces its table inside one transaction, so readers see either the previous
// run's rows or the new ones.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/scd"
)

const DefaultSchema = "warehouse"

// Column is one target column with its Postgres type.
type Column struct {
	Name string
	Type string
}

// Warehouse is the Postgres sink.
type Warehouse struct {
	pool   *pgxpool.Pool
	Schema string
	// KeyColumns maps a dimension to its business key column, for history tables.
	KeyColumns map[string]string
}

// Open parses the URL, sizes the pool and pings the server.
func Open(ctx context.Context, url string, maxConns int32) (*Warehouse, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Warehouse{pool: pool, Schema: DefaultSchema}, nil
}

func (w *Warehouse) Close() { w.pool.Close() }

func (w *Warehouse) schema() string {
	if w.Schema == "" {
		return DefaultSchema
	}
	return w.Schema
}

// Publish replaces table with the batch contents.
func (w *Warehouse) Publish(ctx context.Context, table string, b core.Batch) error {
	cols := Columns(b)
	rows, err := Values(b, cols)
	if err != nil {
		return fmt.Errorf("publish %s: %w", table, err)
	}
	return w.replace(ctx, table, cols, rows)
}

func (w *Warehouse) replace(ctx context.Context, table string, cols []Column, rows [][]any) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, stmt := range ReplaceTableSQL(w.schema(), table, cols) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstWords(stmt), err)
		}
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{w.schema(), table}, names, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy into %s.%s: %w", w.schema(), table, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy into %s.%s: wrote %d of %d rows", w.schema(), table, n, len(rows))
	}
	return tx.Commit(ctx)
}

// Load implements scd.Store over a text table per dimension.
func (w *Warehouse) Load(ctx context.Context, entity string) ([]scd.Version, error) {
	table := scd.HistoryEntity(entity)
	rows, err := w.pool.Query(ctx, "SELECT * FROM "+pgx.Identifier{w.schema(), table}.Sanitize())
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for _, fd := range rows.FieldDescriptions() {
		cols = append(cols, fd.Name)
	}
	b := core.Batch{Columns: cols}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r := make(core.Row, len(cols))
		for i, v := range vals {
			if v == nil {
				r[cols[i]] = ""
				continue
			}
			r[cols[i]] = fmt.Sprint(v)
		}
		b.Rows = append(b.Rows, r)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return scd.VersionsFromBatch(b, w.keyCol(entity))
}

// Save replaces the dimension's history table. Values are stored in their canonical text form,
// the same encoding the storage-backed history uses.
func (w *Warehouse) Save(ctx context.Context, entity string, versions []scd.Version) error {
	b := scd.VersionsToBatch(core.BatchMeta{Entity: scd.HistoryEntity(entity)}, w.keyCol(entity), versions)
	order := b.ColumnOrder()
	cols := make([]Column, len(order))
	for i, c := range order {
		cols[i] = Column{Name: c, Type: "text"}
	}
	rows := make([][]any, len(b.Rows))
	for i, r := range b.Rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			if r[c.Name] == nil {
				continue
			}
			vals[j] = core.FormatValue(r[c.Name])
		}
		rows[i] = vals
	}
	return w.replace(ctx, scd.HistoryEntity(entity), cols, rows)
}

func (w *Warehouse) keyCol(entity string) string {
	if c, ok := w.KeyColumns[entity]; ok && c != "" {
		return c
	}
	return "business_key"
}

// Columns infers a Postgres type per column from the first non-nil value.
func Columns(b core.Batch) []Column {
	order := b.ColumnOrder()
	out := make([]Column, len(order))
	for i, name := range order {
		typ := "text"
		for _, r := range b.Rows {
			if v, ok := r[name]; ok && v != nil {
				typ = pgType(v)
				break
			}
		}
		out[i] = Column{Name: name, Type: typ}
	}
	return out
}

func pgType(v any) string {
	switch t := v.(type) {
	case time.Time:
		return "timestamptz"
	case *time.Time:
		if t == nil {
			return "text"
		}
		return "timestamptz"
	case decimal.Decimal:
		return "numeric"
	case int64, int, int32:
		return "bigint"
	case float64, float32:
		return "double precision"
	case bool:
		return "boolean"
	default:
		return "text"
	}
}

// Values converts rows to COPY tuples matching cols. A value whose type disagrees with its
// column is an error rather than a silent cast.
func Values(b core.Batch, cols []Column) ([][]any, error) {
	out := make([][]any, len(b.Rows))
	for i, r := range b.Rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			v, err := copyValue(r[c.Name], c.Type)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, c.Name, err)
			}
			vals[j] = v
		}
		out[i] = vals
	}
	return out, nil
}

func copyValue(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(*time.Time); ok {
		if p == nil {
			return nil, nil
		}
		v = *p
	}
	if typ == "text" {
		return core.FormatValue(v), nil
	}
	if got := pgType(v); got != typ {
		return nil, fmt.Errorf("value of type %T does not fit %s", v, typ)
	}
	if d, ok := v.(decimal.Decimal); ok {
		return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}, nil
	}
	if n, ok := v.(int); ok {
		return int64(n), nil
	}
	if n, ok := v.(int32); ok {
		return int64(n), nil
	}
	return v, nil
}

// ReplaceTableSQL returns the statements that recreate table with cols.
func ReplaceTableSQL(schema, table string, cols []Column) []string {
	ident := pgx.Identifier{schema, table}.Sanitize()
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgx.Identifier{c.Name}.Sanitize() + " " + c.Type
	}
	return []string{
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize(),
		"DROP TABLE IF EXISTS " + ident,
		"CREATE TABLE " + ident + " (" + strings.Join(defs, ", ") + ")",
	}
}

func firstWords(stmt string) string {
	f := strings.Fields(stmt)
	if len(f) > 2 {
		f = f[:2]
	}
	return strings.ToLower(strings.Join(f, " "))
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
