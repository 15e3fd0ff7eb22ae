package threadstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

const sqliteSchemaVersion = 1

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite upgrades a database whose user_version is below
// sqliteSchemaVersion. Rows written under an earlier schema version, or
// imported from a legacy store, may key players in mixed case; they are
// folded onto the canonical upper-case key here.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	if userVersion >= sqliteSchemaVersion {
		return nil
	}

	slog.Info("threadstore: sqlite migrating", "path", sqlitePath(ctx, db), "user_version", userVersion)

	columns, err := sqliteTableInfo(ctx, db, "threads")
	if err != nil {
		return fmt.Errorf("sqlite: describe threads: %w", err)
	}
	if _, ok := columns["display_id"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE threads ADD COLUMN display_id TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure display_id column: %w", err)
		}
		slog.Info("threadstore: sqlite added display_id column to threads")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		query string
		label string
	}{
		{`INSERT INTO threads (player_id, display_id, has_new, created_at, updated_at)
SELECT UPPER(TRIM(player_id)), MIN(player_id), MAX(has_new), MIN(created_at), MAX(updated_at)
FROM threads WHERE player_id != UPPER(TRIM(player_id))
GROUP BY UPPER(TRIM(player_id))
ON CONFLICT(player_id) DO UPDATE SET
  has_new = MAX(threads.has_new, excluded.has_new),
  created_at = MIN(threads.created_at, excluded.created_at),
  updated_at = MAX(threads.updated_at, excluded.updated_at);`, "merge_threads"},
		{`UPDATE messages SET player_id = UPPER(TRIM(player_id)) WHERE player_id != UPPER(TRIM(player_id));`, "canonical_messages"},
		{`DELETE FROM threads WHERE player_id != UPPER(TRIM(player_id));`, "drop_legacy_threads"},
		{`UPDATE threads SET display_id = player_id WHERE display_id = '';`, "display_id"},
		{`CREATE INDEX IF NOT EXISTS messages_ts ON messages(ts);`, "messages_ts"},
	}
	for _, step := range steps {
		res, execErr := tx.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			slog.Info("threadstore: sqlite migration step", "step", step.label, "rows", n)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit migration: %w", err)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "messages", "messages_ts")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	slog.Info("threadstore: sqlite migrated", "user_version", sqliteSchemaVersion, "messages_ts", hasIndex)
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[name] = sqliteColumn{
			Name:        name,
			Type:        colType,
			NotNull:     notNull != 0,
			DefaultText: defaultVal.String,
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%s);`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
