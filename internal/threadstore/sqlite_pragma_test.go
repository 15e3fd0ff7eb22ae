package threadstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteUsesWAL(t *testing.T) {
	t.Setenv("TICKETS_SQLITE_TUNING", "1")
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(context.Background())

	var mode string
	if err := s.RawDB().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q", mode)
	}
	var sync int
	if err := s.RawDB().QueryRow(`PRAGMA synchronous`).Scan(&sync); err != nil {
		t.Fatalf("synchronous: %v", err)
	}
	if sync != 1 {
		t.Fatalf("synchronous = %d, want NORMAL(1)", sync)
	}
}
