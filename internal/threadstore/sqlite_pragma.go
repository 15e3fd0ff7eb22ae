package threadstore

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// requiredPragmas must succeed for the store to open.
var requiredPragmas = []string{
	"PRAGMA journal_mode=wal",
}

// tuningPragmas trade durability for throughput and are opt-in through
// TICKETS_SQLITE_TUNING=1.
var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL",
	"PRAGMA wal_autocheckpoint=1000",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA mmap_size=268435456",
}

func sqliteTuningEnabled() bool {
	return strings.TrimSpace(os.Getenv("TICKETS_SQLITE_TUNING")) == "1"
}

// configureSQLite applies the required pragmas and, when enabled, the tuning
// set. Tuning failures are logged and skipped.
func configureSQLite(ctx context.Context, db *sql.DB) error {
	for _, p := range requiredPragmas {
		if _, err := pragmaValue(ctx, db, p); err != nil {
			return errors.Wrap(err, p)
		}
	}
	if !sqliteTuningEnabled() {
		return nil
	}
	applied := make(map[string]any, len(tuningPragmas))
	for _, p := range tuningPragmas {
		v, err := pragmaValue(ctx, db, p)
		if err != nil {
			slog.Warn("threadstore: sqlite tuning skipped", "pragma", p, "err", err)
			continue
		}
		applied[strings.TrimPrefix(p, "PRAGMA ")] = v
	}
	slog.Info("threadstore: sqlite tuning applied", "pragmas", applied)
	return nil
}

// pragmaValue runs a pragma and returns the row it reports, if any. Setter
// pragmas such as synchronous return no row.
func pragmaValue(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var v any = "ok"
	if rows.Next() {
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
	}
	return v, rows.Err()
}
