// ABOUTME: SQLite connector: query source and insert sink over database/sql with go-sqlite3.
// ABOUTME: Implements the connector SPI's Rows and Writer contracts with per-row or batch writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2389-research/npipeline/connector"
)

// Connector opens SQLite connections for a database path.
type Connector struct {
	Path string
}

// conn wraps the sql.DB handle behind the SPI's Conn.
type conn struct {
	db *sql.DB
}

func (c *conn) Close() error { return c.db.Close() }

// Open opens (or creates) the database.
func (c *Connector) Open(ctx context.Context) (connector.Conn, error) {
	db, err := sql.Open("sqlite3", c.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &conn{db: db}, nil
}

// Source reads rows from a query.
type Source struct {
	Query string
	Args  []any
}

// ExecuteReader runs the query and returns a Rows reader.
func (s *Source) ExecuteReader(ctx context.Context, c connector.Conn) (connector.Rows, error) {
	sc, ok := c.(*conn)
	if !ok {
		return nil, fmt.Errorf("sqlite source: unexpected connection type %T", c)
	}
	sqlRows, err := sc.db.QueryContext(ctx, s.Query, s.Args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	cols, err := sqlRows.Columns()
	if err != nil {
		_ = sqlRows.Close()
		return nil, fmt.Errorf("columns: %w", err)
	}
	ordinals := make(map[string]int, len(cols))
	for i, name := range cols {
		ordinals[strings.ToLower(name)] = i
	}
	return &rows{inner: sqlRows, cols: cols, ordinals: ordinals}, nil
}

// rows adapts *sql.Rows to the connector SPI.
type rows struct {
	inner    *sql.Rows
	cols     []string
	ordinals map[string]int
	current  []any
}

// Next scans the next row into the current buffer.
func (r *rows) Next(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !r.inner.Next() {
		if err := r.inner.Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.inner.Scan(ptrs...); err != nil {
		return false, fmt.Errorf("scan: %w", err)
	}
	r.current = vals
	return true, nil
}

func (r *rows) Columns() []string { return r.cols }

func (r *rows) Ordinal(name string) int {
	if i, ok := r.ordinals[strings.ToLower(name)]; ok {
		return i
	}
	return -1
}

func (r *rows) value(ordinal int) (any, error) {
	if r.current == nil {
		return nil, fmt.Errorf("no current row; call Next first")
	}
	if ordinal < 0 || ordinal >= len(r.current) {
		return nil, fmt.Errorf("column ordinal %d out of range", ordinal)
	}
	return r.current[ordinal], nil
}

func (r *rows) IsNull(ordinal int) (bool, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return false, err
	}
	return v == nil, nil
}

func (r *rows) Value(ordinal int) (any, error) {
	return r.value(ordinal)
}

func (r *rows) ValueByName(name string) (any, error) {
	i := r.Ordinal(name)
	if i < 0 {
		return nil, connector.ErrNoColumn(name)
	}
	return r.value(i)
}

func (r *rows) String(ordinal int) (string, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func (r *rows) Int64(ordinal int) (int64, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int64:
		return t, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("column %d is %T, not integer", ordinal, v)
	}
}

func (r *rows) Float64(ordinal int) (float64, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("column %d is %T, not float", ordinal, v)
	}
}

func (r *rows) Bool(ordinal int) (bool, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("column %d is %T, not bool", ordinal, v)
	}
}

func (r *rows) Close() error { return r.inner.Close() }

// Sink writes rows into a table.
type Sink struct {
	Columns  []string
	Strategy connector.WriteStrategy
}

// CreateWriter builds an insert writer for the table.
func (s *Sink) CreateWriter(ctx context.Context, c connector.Conn, table string) (connector.Writer, error) {
	sc, ok := c.(*conn)
	if !ok {
		return nil, fmt.Errorf("sqlite sink: unexpected connection type %T", c)
	}
	if len(s.Columns) == 0 {
		return nil, fmt.Errorf("sqlite sink: no columns configured")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(s.Columns)), ",")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(s.Columns, ", "), placeholders)
	strategy := s.Strategy
	if strategy.Kind == connector.WriteBatch && strategy.BatchSize < 1 {
		strategy.BatchSize = 1
	}
	return &writer{db: sc.db, stmt: stmt, strategy: strategy}, nil
}

// writer stages rows and writes them per the strategy.
type writer struct {
	db       *sql.DB
	stmt     string
	strategy connector.WriteStrategy
	staged   [][]any
}

// Append stages one row; per-row strategy writes immediately, batch strategy
// flushes when the batch fills.
func (w *writer) Append(ctx context.Context, row []any) error {
	if w.strategy.Kind == connector.WritePerRow {
		_, err := w.db.ExecContext(ctx, w.stmt, row...)
		if err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
		return nil
	}
	w.staged = append(w.staged, row)
	if len(w.staged) >= w.strategy.BatchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes staged rows inside one transaction.
func (w *writer) Flush(ctx context.Context) error {
	if len(w.staged) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, row := range w.staged {
		if _, err := tx.ExecContext(ctx, w.stmt, row...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert batch row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	w.staged = nil
	return nil
}

// Close flushes any staged rows.
func (w *writer) Close() error {
	return w.Flush(context.Background())
}
