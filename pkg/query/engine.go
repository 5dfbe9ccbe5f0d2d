// Package query provides read-side access to persisted run metrics.
// It executes SQL over the runs' parquet files with DuckDB, which
// handles the evolving union schema (`union_by_name`) without the
// engine's write path being involved at all.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/trackflow/trackflow/pkg/storage"
)

// Engine executes SQL queries using an in-memory DuckDB instance.
type Engine struct {
	db *sql.DB
}

// New creates a query engine.
func New() (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("initialize duckdb: %w", err)
	}
	return &Engine{db: db}, nil
}

// Close closes the engine.
func (e *Engine) Close() error {
	return e.db.Close()
}

// RunMetrics reads a run's full metric history in persisted row order.
// Files are queried one at a time in append order; DuckDB preserves
// row order within a file.
func (e *Engine) RunMetrics(ctx context.Context, runPath string) ([]map[string]any, error) {
	files, err := storage.MetricsFiles(runPath)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for _, f := range files {
		result, err := e.Query(ctx, fmt.Sprintf("SELECT * FROM read_parquet('%s')", escape(f)))
		if err != nil {
			return nil, err
		}
		part, err := result.ToMaps()
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

// RegisterRunView exposes a run's metric files as a named view with
// the union schema, for ad-hoc SQL and export.
func (e *Engine) RegisterRunView(ctx context.Context, name, runPath string) error {
	files, err := storage.MetricsFiles(runPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("run has no metrics: %s", runPath)
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + escape(f) + "'"
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %q AS SELECT * FROM read_parquet([%s], union_by_name=true)",
		name, strings.Join(quoted, ", "))
	_, err = e.db.ExecContext(ctx, stmt)
	return err
}

// DropView drops a registered view.
func (e *Engine) DropView(ctx context.Context, name string) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %q", name))
	return err
}

// Query executes a SQL query and returns results.
func (e *Engine) Query(ctx context.Context, stmt string, args ...any) (*Result, error) {
	start := time.Now()
	rows, err := e.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("get columns: %w", err)
	}
	return &Result{rows: rows, columns: cols, duration: time.Since(start)}, nil
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Result represents query results.
type Result struct {
	rows     *sql.Rows
	columns  []string
	duration time.Duration
}

// Columns returns column names.
func (r *Result) Columns() []string { return r.columns }

// Duration returns query duration.
func (r *Result) Duration() time.Duration { return r.duration }

// Close closes the result set.
func (r *Result) Close() error { return r.rows.Close() }

// ToMaps reads all rows as maps and closes the result.
func (r *Result) ToMaps() ([]map[string]any, error) {
	defer r.Close()

	var results []map[string]any
	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for r.rows.Next() {
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(r.columns))
		for i, col := range r.columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, r.rows.Err()
}
