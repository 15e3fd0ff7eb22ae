package retention

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/threadstore"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakePruner) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, cutoff)
	block, entered, err := f.block, f.entered, f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	return 3, nil
}

func (f *fakePruner) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

func TestNewRejectsInvalidCron(t *testing.T) {
	if _, err := New(Config{Cron: "not a cron"}, &fakePruner{}); err == nil {
		t.Fatalf("expected invalid cron error")
	}
	s, err := New(Config{}, &fakePruner{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if s.cfg.Cron != DefaultCron || s.cfg.Retention != DefaultRetention {
		t.Fatalf("unexpected defaults: %+v", s.cfg)
	}
}

func TestRunNowUsesRetentionCutoff(t *testing.T) {
	p := &fakePruner{}
	s, err := New(Config{Retention: 48 * time.Hour}, p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	res, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := now.Add(-48 * time.Hour)
	if !res.Cutoff.Equal(want) || res.Pruned != 3 || res.RunID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := p.calls(); len(got) != 1 || !got[0].Equal(want) {
		t.Fatalf("cutoffs = %v", got)
	}
	if s.Last().RunID != res.RunID {
		t.Fatalf("Last() not updated")
	}
}

func TestRunNowFailureIsReturnedNotFatal(t *testing.T) {
	p := &fakePruner{err: errors.New("disk gone")}
	s, _ := New(Config{}, p)
	if _, err := s.RunNow(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if s.Running() {
		t.Fatalf("failed sweep must return to idle")
	}
	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	if _, err := s.RunNow(context.Background()); err != nil {
		t.Fatalf("next sweep should proceed: %v", err)
	}
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	p := &fakePruner{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s, _ := New(Config{}, p)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background())
		done <- err
	}()
	<-p.entered

	if _, err := s.RunNow(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	close(p.block)
	if err := <-done; err != nil {
		t.Fatalf("first sweep: %v", err)
	}
}

func TestRunSchedulesFromCron(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakePruner{}
	s, _ := New(Config{Cron: "0 0 * * *"}, p)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	waits := make(chan time.Duration, 4)
	ticks := make(chan time.Time)
	s.after = func(d time.Duration) <-chan time.Time {
		waits <- d
		return ticks
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if got := <-waits; got != 12*time.Hour {
		t.Fatalf("first wait = %s, want 12h", got)
	}
	ticks <- now
	<-waits

	deadline := time.Now().Add(2 * time.Second)
	for len(p.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(p.calls()) != 1 {
		t.Fatalf("expected one sweep after tick, got %d", len(p.calls()))
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunSkipsOverlappingTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakePruner{block: make(chan struct{}), entered: make(chan struct{}, 2)}
	s, _ := New(Config{}, p)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ticks := make(chan time.Time)
	s.after = func(time.Duration) <-chan time.Time { return ticks }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ticks <- now
	<-p.entered
	ticks <- now
	// the third tick is only received after the second was handled
	ticks <- now

	if got := len(p.calls()); got != 1 {
		t.Fatalf("overlapping ticks must be skipped, got %d sweeps", got)
	}
	close(p.block)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSweepPrunesOnlyExpiredMessages(t *testing.T) {
	ctx := context.Background()
	store, err := threadstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "tickets.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close(ctx)

	now := time.Now().UTC()
	if err := store.ImportThread(ctx, "P1", []core.Message{
		{From: core.SenderPlayer, Text: "old", Time: now.Add(-8 * 24 * time.Hour)},
		{From: core.SenderAdmin, Text: "recent", Time: now.Add(-24 * time.Hour)},
	}); err != nil {
		t.Fatalf("import: %v", err)
	}

	s, err := New(Config{Retention: 7 * 24 * time.Hour}, store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.now = func() time.Time { return now }
	res, err := s.RunNow(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Pruned != 1 {
		t.Fatalf("pruned = %d, want 1", res.Pruned)
	}
	msgs, err := store.GetMessages(ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "recent" {
		t.Fatalf("unexpected messages after sweep: %+v", msgs)
	}
}
