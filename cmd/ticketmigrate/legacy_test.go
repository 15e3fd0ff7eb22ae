package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/threadstore"
)

const legacyFixture = `{
  "abc123": {
    "messages": [
      {"from": "player", "text": "hi", "time": "2025-01-02T10:00:00.000Z"},
      {"from": "admin", "text": "hello", "time": "2025-01-02T10:05:00.000Z"}
    ],
    "hasNew": true
  },
  "ABC123": [
    {"from": "player", "text": "between", "time": 1735812180000}
  ],
  "zed": [
    {"from": "robot", "text": "??", "time": "2025-01-03T00:00:00Z"},
    {"from": "Player", "text": "no time"}
  ],
  "bad id": []
}`

func TestParseLegacyMergesAndValidates(t *testing.T) {
	batches, warnings, err := parseLegacy(strings.NewReader(legacyFixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 players, got %+v", batches)
	}

	abc := batches[0]
	if abc.PlayerID != "ABC123" {
		t.Fatalf("first spelling in key order should win, got %q", abc.PlayerID)
	}
	var texts []string
	for _, m := range abc.Messages {
		texts = append(texts, m.Text)
	}
	if got := strings.Join(texts, ","); got != "hi,between,hello" {
		t.Fatalf("merged order = %s", got)
	}
	if !abc.Messages[1].Time.Equal(time.UnixMilli(1735812180000).UTC()) {
		t.Fatalf("epoch millis not parsed: %s", abc.Messages[1].Time)
	}

	zed := batches[1]
	if len(zed.Messages) != 1 || zed.Messages[0].From != core.SenderPlayer || !zed.Messages[0].Time.IsZero() || zed.Skipped != 1 {
		t.Fatalf("unexpected zed batch %+v", zed)
	}

	joined := strings.Join(warnings, "\n")
	if !strings.Contains(joined, `skip player "bad id"`) || !strings.Contains(joined, `unknown sender "robot"`) {
		t.Fatalf("warnings = %s", joined)
	}
}

func TestParseLegacyRejectsNonObject(t *testing.T) {
	if _, _, err := parseLegacy(strings.NewReader(`[1,2,3]`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestImportIntoSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := threadstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close(ctx)

	batches, _, err := parseLegacy(strings.NewReader(legacyFixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, b := range batches {
		if err := store.ImportThread(ctx, b.PlayerID, b.Messages); err != nil {
			t.Fatalf("import %s: %v", b.PlayerID, err)
		}
	}

	msgs, err := store.GetMessages(ctx, "abc123")
	if err != nil || len(msgs) != 3 {
		t.Fatalf("abc123 messages = %+v %v", msgs, err)
	}
	hasNew, err := store.HasNewMessages(ctx, "ABC123")
	if err != nil || hasNew {
		t.Fatalf("imported threads must be read, hasNew=%v err=%v", hasNew, err)
	}
}
