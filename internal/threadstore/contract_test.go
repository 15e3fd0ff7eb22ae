package threadstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-tickets/internal/core"
)

type harness struct {
	store        Store
	setNow       func(func() time.Time)
	countThreads func(t *testing.T) int
}

func runStoreContract(t *testing.T, open func(t *testing.T) harness) {
	t.Run("ordering", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		want := []core.Message{
			{From: core.SenderPlayer, Text: "hi"},
			{From: core.SenderAdmin, Text: "hello"},
			{From: core.SenderPlayer, Text: "still broken"},
			{From: core.SenderAdmin, Text: "looking"},
			{From: core.SenderAdmin, Text: "fixed"},
		}
		for _, m := range want {
			if _, err := h.store.AppendMessage(ctx, "ABC123", m.From, m.Text); err != nil {
				t.Fatalf("append %q: %v", m.Text, err)
			}
		}
		got, err := h.store.GetMessages(ctx, "ABC123")
		if err != nil {
			t.Fatalf("get messages: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("expected %d messages, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i].From != want[i].From || got[i].Text != want[i].Text {
				t.Fatalf("message %d = %+v, want %+v", i, got[i], want[i])
			}
			if i > 0 && got[i].Time.Before(got[i-1].Time) {
				t.Fatalf("message %d time went backwards", i)
			}
		}
	})

	t.Run("clock stepping back keeps times ordered", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		h.setNow(func() time.Time { return base })
		if _, err := h.store.AppendMessage(ctx, "P1", core.SenderPlayer, "first"); err != nil {
			t.Fatalf("append: %v", err)
		}
		h.setNow(func() time.Time { return base.Add(-time.Minute) })
		thread, err := h.store.AppendMessage(ctx, "P1", core.SenderAdmin, "second")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(thread.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(thread.Messages))
		}
		if got := thread.Messages[1].Time; got.Before(thread.Messages[0].Time) {
			t.Fatalf("timestamps must not decrease: %s < %s", got, thread.Messages[0].Time)
		}
	})

	t.Run("text is stored verbatim", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		texts := []string{"$messages", "$$ROOT", "{\"$gt\": 1}"}
		for _, text := range texts {
			if _, err := h.store.AppendMessage(ctx, "P2", core.SenderPlayer, text); err != nil {
				t.Fatalf("append %q: %v", text, err)
			}
		}
		msgs, err := h.store.GetMessages(ctx, "P2")
		if err != nil || len(msgs) != len(texts) {
			t.Fatalf("get messages: %+v %v", msgs, err)
		}
		for i, text := range texts {
			if msgs[i].Text != text {
				t.Fatalf("message %d = %q, want %q", i, msgs[i].Text, text)
			}
		}
	})

	t.Run("concurrent first appends create one thread", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		const n = 16

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				from := core.SenderPlayer
				if i%2 == 1 {
					from = core.SenderAdmin
				}
				if _, err := h.store.AppendMessage(ctx, "race-1", from, fmt.Sprintf("m%d", i)); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("append: %v", err)
		}

		if got := h.countThreads(t); got != 1 {
			t.Fatalf("expected exactly one thread, got %d", got)
		}
		msgs, err := h.store.GetMessages(ctx, "RACE-1")
		if err != nil {
			t.Fatalf("get messages: %v", err)
		}
		if len(msgs) != n {
			t.Fatalf("expected %d messages, got %d", n, len(msgs))
		}
		seen := make(map[string]bool, n)
		for _, m := range msgs {
			seen[m.Text] = true
		}
		for i := 0; i < n; i++ {
			if !seen[fmt.Sprintf("m%d", i)] {
				t.Fatalf("message m%d lost", i)
			}
		}
	})

	t.Run("unread flag", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		check := func(step string, want bool) {
			t.Helper()
			got, err := h.store.HasNewMessages(ctx, "ABC123")
			if err != nil {
				t.Fatalf("%s: has new: %v", step, err)
			}
			if got != want {
				t.Fatalf("%s: hasNew = %v, want %v", step, got, want)
			}
		}

		if _, err := h.store.AppendMessage(ctx, "ABC123", core.SenderPlayer, "hi"); err != nil {
			t.Fatalf("append: %v", err)
		}
		check("after player", false)

		thread, err := h.store.AppendMessage(ctx, "ABC123", core.SenderAdmin, "hello")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if !thread.HasNew {
			t.Fatalf("returned thread should carry hasNew")
		}
		check("after admin", true)

		if _, err := h.store.AppendMessage(ctx, "ABC123", core.SenderPlayer, "thanks"); err != nil {
			t.Fatalf("append: %v", err)
		}
		check("player append keeps flag", true)

		if err := h.store.MarkRead(ctx, "abc123"); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		check("after mark read", false)
	})

	t.Run("unknown player", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		msgs, err := h.store.GetMessages(ctx, "UNKNOWN")
		if err != nil {
			t.Fatalf("get messages: %v", err)
		}
		if msgs == nil || len(msgs) != 0 {
			t.Fatalf("expected empty non-nil slice, got %#v", msgs)
		}
		hasNew, err := h.store.HasNewMessages(ctx, "UNKNOWN")
		if err != nil || hasNew {
			t.Fatalf("expected false, nil; got %v, %v", hasNew, err)
		}
		if err := h.store.MarkRead(ctx, "UNKNOWN"); err != nil {
			t.Fatalf("mark read unknown: %v", err)
		}
		if got := h.countThreads(t); got != 0 {
			t.Fatalf("reads must not create threads, got %d", got)
		}
	})

	t.Run("canonical ids", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		if _, err := h.store.AppendMessage(ctx, "abc123", core.SenderPlayer, "lower"); err != nil {
			t.Fatalf("append: %v", err)
		}
		thread, err := h.store.AppendMessage(ctx, " ABC123 ", core.SenderPlayer, "upper")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if thread.PlayerID != "ABC123" || thread.DisplayID != "abc123" {
			t.Fatalf("unexpected identity %q/%q", thread.PlayerID, thread.DisplayID)
		}
		if len(thread.Messages) != 2 {
			t.Fatalf("expected both messages on one thread, got %d", len(thread.Messages))
		}
		if got := h.countThreads(t); got != 1 {
			t.Fatalf("expected one thread, got %d", got)
		}
	})

	t.Run("validation", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		if _, err := h.store.AppendMessage(ctx, "", core.SenderPlayer, "x"); !errors.Is(err, core.ErrValidation) {
			t.Fatalf("empty player: %v", err)
		}
		if _, err := h.store.AppendMessage(ctx, "P1", core.SenderPlayer, "   "); !errors.Is(err, core.ErrValidation) {
			t.Fatalf("empty text: %v", err)
		}
		if _, err := h.store.AppendMessage(ctx, "P1", core.Sender("bot"), "x"); !errors.Is(err, core.ErrValidation) {
			t.Fatalf("bad sender: %v", err)
		}
	})

	t.Run("prune by age", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

		appendAt := func(player string, at time.Time, from core.Sender, text string) {
			t.Helper()
			h.setNow(func() time.Time { return at })
			if _, err := h.store.AppendMessage(ctx, player, from, text); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		appendAt("P1", now.Add(-8*24*time.Hour), core.SenderPlayer, "old")
		appendAt("P1", now.Add(-24*time.Hour), core.SenderPlayer, "recent")
		appendAt("P2", now.Add(-9*24*time.Hour), core.SenderAdmin, "ancient")
		appendAt("P3", now.Add(-7*24*time.Hour), core.SenderPlayer, "boundary")
		h.setNow(func() time.Time { return now })

		n, err := h.store.PruneOlderThan(ctx, now.Add(-7*24*time.Hour))
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 threads mutated, got %d", n)
		}

		p1, _ := h.store.GetMessages(ctx, "P1")
		if len(p1) != 1 || p1[0].Text != "recent" {
			t.Fatalf("unexpected P1 messages %+v", p1)
		}
		p2, _ := h.store.GetMessages(ctx, "P2")
		if len(p2) != 0 {
			t.Fatalf("expected P2 emptied, got %+v", p2)
		}
		p3, _ := h.store.GetMessages(ctx, "P3")
		if len(p3) != 1 {
			t.Fatalf("message at cutoff must be retained, got %+v", p3)
		}
		if got := h.countThreads(t); got != 3 {
			t.Fatalf("threads must survive pruning, got %d", got)
		}
		hasNew, err := h.store.HasNewMessages(ctx, "P2")
		if err != nil || !hasNew {
			t.Fatalf("emptied thread should keep hasNew, got %v %v", hasNew, err)
		}

		again, err := h.store.PruneOlderThan(ctx, now.Add(-7*24*time.Hour))
		if err != nil || again != 0 {
			t.Fatalf("second prune should be a no-op, got %d %v", again, err)
		}
	})

	t.Run("import replaces messages", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		if _, err := h.store.AppendMessage(ctx, "P9", core.SenderAdmin, "pending"); err != nil {
			t.Fatalf("append: %v", err)
		}
		at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		err := h.store.ImportThread(ctx, "p9", []core.Message{
			{From: core.SenderPlayer, Text: "legacy one", Time: at},
			{From: core.SenderAdmin, Text: "legacy two", Time: at.Add(time.Minute)},
		})
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		msgs, _ := h.store.GetMessages(ctx, "P9")
		if len(msgs) != 2 || msgs[0].Text != "legacy one" || !msgs[0].Time.Equal(at) {
			t.Fatalf("unexpected imported messages %+v", msgs)
		}
		hasNew, _ := h.store.HasNewMessages(ctx, "P9")
		if hasNew {
			t.Fatalf("import should clear hasNew")
		}
	})
}
