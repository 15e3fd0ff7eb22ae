// Package retention prunes old thread messages on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/you/gnasty-tickets/internal/metrics"
)

const (
	DefaultCron      = "0 0 * * *"
	DefaultRetention = 7 * 24 * time.Hour

	nextTickRetry = 30 * time.Second
)

// ErrRunning is returned by RunNow when a sweep is already in progress.
var ErrRunning = errors.New("retention: sweep already running")

// Pruner is the store operation a sweep needs.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Cron      string
	Retention time.Duration
	// RunTimeout bounds a single sweep; zero means no bound.
	RunTimeout time.Duration
	Metrics    *metrics.Metrics
}

// Result describes one finished sweep.
type Result struct {
	RunID    string        `json:"runId"`
	Cutoff   time.Time     `json:"cutoff"`
	Pruned   int64         `json:"pruned"` // threads that lost at least one message
	Duration time.Duration `json:"duration"`
}

type Sweeper struct {
	cfg   Config
	store Pruner

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last Result
}

func New(cfg Config, store Pruner) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("retention: nil store")
	}
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("retention: invalid cron expression %q", cfg.Cron)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Sweeper{
		cfg:   cfg,
		store: store,
		now:   time.Now,
		after: time.After,
	}, nil
}

// Run triggers a sweep at every cron tick until ctx is done, then waits for
// an in-flight sweep to return. A tick that lands while a sweep is still
// running is skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("retention: scheduler started", "cron", s.cfg.Cron, "retention", s.cfg.Retention)
	defer s.wg.Wait()
	for {
		now := s.now().UTC()
		next, err := gronx.NextTickAfter(s.cfg.Cron, now, false)
		if err != nil {
			slog.Error("retention: next tick failed", "cron", s.cfg.Cron, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-s.after(nextTickRetry):
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("retention: scheduler stopping")
			return nil
		case <-s.after(next.Sub(now)):
		}

		if !s.running.CompareAndSwap(false, true) {
			slog.Warn("retention: previous sweep still running, skipping tick")
			s.cfg.Metrics.IncSweepSkipped()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.running.Store(false)
			_, _ = s.sweep(ctx)
		}()
	}
}

// RunNow performs a sweep synchronously. It returns ErrRunning instead of
// overlapping a sweep already in progress.
func (s *Sweeper) RunNow(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.cfg.Metrics.IncSweepSkipped()
		return Result{}, ErrRunning
	}
	defer s.running.Store(false)
	return s.sweep(ctx)
}

// Running reports whether a sweep is in progress.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Last returns the most recent successful sweep.
func (s *Sweeper) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sweeper) sweep(ctx context.Context) (Result, error) {
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	start := s.now()
	res := Result{
		RunID:  uuid.NewString(),
		Cutoff: start.Add(-s.cfg.Retention).UTC(),
	}
	pruned, err := s.store.PruneOlderThan(ctx, res.Cutoff)
	res.Duration = s.now().Sub(start)
	s.cfg.Metrics.ObserveSweep(pruned, err, start)
	if err != nil {
		slog.Error("retention: sweep failed", "run", res.RunID, "cutoff", res.Cutoff, "err", err)
		return res, err
	}
	res.Pruned = pruned
	slog.Info("retention: sweep finished", "run", res.RunID, "cutoff", res.Cutoff, "pruned", pruned, "took", res.Duration)

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, nil
}
