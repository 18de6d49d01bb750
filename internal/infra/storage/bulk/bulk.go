// Package bulk provides shared helpers for high-volume PostgreSQL writes:
// COPY-based inserts and temp-table staged merges. Helpers take a narrow
// Executor so they compose into a caller's transaction.
package bulk

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is the subset of the pgx command surface the helpers need.
// Both pgx.Tx and *pgxpool.Pool satisfy it. Staged helpers create session
// scoped temp tables, so they must run on a transaction (or a single
// connection), never on a pool where statements may hop connections.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// CopyInto bulk-inserts rows into a table using the COPY protocol.
func CopyInto(ctx context.Context, ex Executor, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := ex.CopyFrom(ctx, tableIdentifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("bulk: COPY into %s: %w", table, err)
	}
	return n, nil
}

// MergeConfig describes a staged merge: rows land in a temp table, then move
// into the target with INSERT ... ON CONFLICT.
type MergeConfig struct {
	// Table is the target table, optionally schema qualified.
	Table string

	// Columns lists every column being written, in row order.
	Columns []string

	// ConflictKeys are the columns forming the unique constraint.
	ConflictKeys []string

	// UpdateCols are the columns rewritten on conflict. Nil means every
	// non-key column; empty slice means DO NOTHING.
	UpdateCols []string
}

func (cfg MergeConfig) validate() error {
	if cfg.Table == "" {
		return fmt.Errorf("bulk: merge: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return fmt.Errorf("bulk: merge: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return fmt.Errorf("bulk: merge: no conflict keys specified")
	}
	return nil
}

// Merge stages rows in a temp table and merges them into the target with
// INSERT ... ON CONFLICT DO UPDATE. It returns the number of rows written
// (inserted or updated). The Executor must be transaction scoped.
func Merge(ctx context.Context, ex Executor, cfg MergeConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	stage, err := stageRows(ctx, ex, cfg, rows)
	if err != nil {
		return 0, err
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		keySet := make(map[string]struct{}, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			keySet[k] = struct{}{}
		}
		for _, c := range cfg.Columns {
			if _, ok := keySet[c]; !ok {
				updateCols = append(updateCols, c)
			}
		}
	}

	conflictAction := "DO NOTHING"
	if len(updateCols) > 0 {
		assignments := make([]string, len(updateCols))
		for i, col := range updateCols {
			quoted := pgx.Identifier{col}.Sanitize()
			assignments[i] = fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted)
		}
		conflictAction = "DO UPDATE SET " + strings.Join(assignments, ", ")
	}

	colList := quoteAndJoin(cfg.Columns)
	mergeSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		stage,
		quoteAndJoin(cfg.ConflictKeys),
		conflictAction,
	)

	tag, err := ex.Exec(ctx, mergeSQL)
	if err != nil {
		return 0, fmt.Errorf("bulk: merge into %s: %w", cfg.Table, err)
	}
	return tag.RowsAffected(), nil
}

// InsertAbsent stages rows in a temp table and inserts only those whose key
// is not already present in the target, returning the keys of the rows it
// actually inserted. The key column must be UUID typed. The Executor must be
// transaction scoped.
func InsertAbsent(ctx context.Context, ex Executor, cfg MergeConfig, rows [][]any) ([]uuid.UUID, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.ConflictKeys) != 1 {
		return nil, fmt.Errorf("bulk: insert absent: exactly one conflict key required, got %d", len(cfg.ConflictKeys))
	}

	stage, err := stageRows(ctx, ex, cfg, rows)
	if err != nil {
		return nil, err
	}

	colList := quoteAndJoin(cfg.Columns)
	key := pgx.Identifier{cfg.ConflictKeys[0]}.Sanitize()
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING RETURNING %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		stage,
		key,
		key,
	)

	result, err := ex.Query(ctx, insertSQL)
	if err != nil {
		return nil, fmt.Errorf("bulk: insert absent into %s: %w", cfg.Table, err)
	}
	defer result.Close()

	inserted := make([]uuid.UUID, 0, len(rows))
	for result.Next() {
		var id uuid.UUID
		if err := result.Scan(&id); err != nil {
			return nil, fmt.Errorf("bulk: insert absent into %s: scan key: %w", cfg.Table, err)
		}
		inserted = append(inserted, id)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("bulk: insert absent into %s: %w", cfg.Table, err)
	}
	return inserted, nil
}

// stageRows creates the temp table and COPYs the rows into it. The table
// drops itself at commit.
func stageRows(ctx context.Context, ex Executor, cfg MergeConfig, rows [][]any) (string, error) {
	stage := "_stage_" + strings.ReplaceAll(cfg.Table, ".", "_")

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE IF NOT EXISTS %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := ex.Exec(ctx, createSQL); err != nil {
		return "", fmt.Errorf("bulk: create stage table for %s: %w", cfg.Table, err)
	}
	if _, err := ex.Exec(ctx, fmt.Sprintf("TRUNCATE %s", pgx.Identifier{stage}.Sanitize())); err != nil {
		return "", fmt.Errorf("bulk: truncate stage table for %s: %w", cfg.Table, err)
	}

	if _, err := ex.CopyFrom(ctx, pgx.Identifier{stage}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return "", fmt.Errorf("bulk: COPY into stage table for %s: %w", cfg.Table, err)
	}
	return pgx.Identifier{stage}.Sanitize(), nil
}

// tableIdentifier converts a table name, optionally schema qualified, into
// a pgx.Identifier.
func tableIdentifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}

// sanitizeTable quotes a table name, handling schema qualification.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
