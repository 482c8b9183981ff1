package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table, optionally schema qualified
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	// UpdateWhere, when set, guards the DO UPDATE branch. It may reference
	// the target table by name and the proposed row as EXCLUDED.
	UpdateWhere string
}

// BulkUpsert stages rows in a temp table with COPY, then merges them with
// INSERT ... SELECT ... ON CONFLICT DO UPDATE in one transaction. It returns
// the number of rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := CopyFrom(ctx, tx, tempTable, cfg.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage rows for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(cfg, tempTable))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(cfg UpsertConfig, tempTable string) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflict := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflict[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflict[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	setClauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses[i] = q + " = EXCLUDED." + q
	}

	colList := quoteAndJoin(cfg.Columns)
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	)
	if cfg.UpdateWhere != "" {
		sql += " WHERE " + cfg.UpdateWhere
	}
	return sql
}

func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
