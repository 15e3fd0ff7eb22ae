package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/you/gnasty-tickets/internal/classify"
	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/discord"
	"github.com/you/gnasty-tickets/internal/metrics"
)

const (
	defaultWorkers      = 8
	defaultQueueDepth   = 256
	defaultMaxAttempts  = 4
	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 8 * time.Second
	drainTimeout        = 5 * time.Second
	abandonGrace        = 5 * time.Second
)

var (
	// ErrQueueFull is reported for events refused because their shard is backed up.
	ErrQueueFull = errors.New("bridge: event queue full")
	// ErrShuttingDown is reported for events still queued when draining timed out.
	ErrShuttingDown = errors.New("bridge: shutting down")
)

// HandleFunc processes one inbound event.
type HandleFunc func(ctx context.Context, msg discord.Message) error

// UndeliveredFunc is told about an event the dispatcher gave up on.
type UndeliveredFunc func(ctx context.Context, msg discord.Message, cause error)

// Dispatcher fans gateway events out to a fixed set of workers. Events are
// sharded by key so one ticket's events are handled in arrival order while
// different tickets proceed in parallel. Retryable failures are retried with
// backoff; events that still fail, or never reach a worker, are reported to
// the Undelivered hook.
type Dispatcher struct {
	handle       HandleFunc
	undelivered  UndeliveredFunc
	key          func(discord.Message) string
	metrics      *metrics.Metrics
	timeout      time.Duration
	maxAttempts  int
	retryBackoff time.Duration

	queues []chan discord.Message

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	done    chan struct{}
}

type DispatcherConfig struct {
	Workers    int
	QueueDepth int
	// EventTimeout bounds one handling attempt.
	EventTimeout time.Duration
	// MaxAttempts bounds attempts for retryable failures; 1 disables retries.
	MaxAttempts  int
	RetryBackoff time.Duration
	// ShardKey picks the ordering key; the channel ID when nil.
	ShardKey    func(discord.Message) string
	Undelivered UndeliveredFunc
	Metrics     *metrics.Metrics
}

func NewDispatcher(cfg DispatcherConfig, handle HandleFunc) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.ShardKey == nil {
		cfg.ShardKey = func(msg discord.Message) string { return msg.ChannelID }
	}
	queues := make([]chan discord.Message, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan discord.Message, cfg.QueueDepth)
	}
	return &Dispatcher{
		handle:       handle,
		undelivered:  cfg.Undelivered,
		key:          cfg.ShardKey,
		metrics:      cfg.Metrics,
		timeout:      cfg.EventTimeout,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		queues:       queues,
		done:         make(chan struct{}),
	}
}

// ShardKeyFor returns the ordering key for strategy s. Shared strategies
// relay every ticket through one channel, so they key by the player when the
// event reveals it and by the message otherwise.
func ShardKeyFor(s classify.Strategy) func(discord.Message) string {
	switch s {
	case classify.StrategyReply:
		return func(msg discord.Message) string {
			if ref := msg.ReferencedMessage; ref != nil {
				if id, ok := classify.ExtractMarker(ref.Content); ok {
					return "player:" + id
				}
			}
			if ref := msg.MessageReference; ref != nil && ref.MessageID != "" {
				return "ref:" + ref.MessageID
			}
			return "msg:" + msg.ID
		}
	case classify.StrategyPrefix:
		return func(msg discord.Message) string {
			if id, _, ok := classify.ParsePrefix(msg.Content); ok {
				return "player:" + id
			}
			return "msg:" + msg.ID
		}
	}
	return func(msg discord.Message) string { return msg.ChannelID }
}

func (d *Dispatcher) shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.queues)))
}

// Submit enqueues msg without blocking. It reports false when the dispatcher
// is stopped or the shard's queue is full; a refused event is reported as
// undelivered.
func (d *Dispatcher) Submit(msg discord.Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queues[d.shard(d.key(msg))] <- msg:
		d.metrics.AddQueueDepth(1)
		return true
	default:
		d.metrics.IncEventsDropped("queue_full")
		// Submit runs on the gateway read loop; report off it.
		d.pending.Add(1)
		go func() {
			defer d.pending.Done()
			d.giveUp(context.Background(), msg, ErrQueueFull)
		}()
		return false
	}
}

// Run processes events until ctx is cancelled, then stops accepting new
// events and drains what is queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	for i, q := range d.queues {
		wg.Add(1)
		go func(worker int, q <-chan discord.Message) {
			defer wg.Done()
			for msg := range q {
				d.metrics.AddQueueDepth(-1)
				if drainCtx.Err() != nil {
					d.giveUp(ctx, msg, ErrShuttingDown)
					continue
				}
				d.process(drainCtx, worker, msg)
			}
		}(i, q)
	}

	<-ctx.Done()
	d.mu.Lock()
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		d.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		slog.Warn("bridge: drain timed out; reporting queued events as undelivered")
		cancel()
		select {
		case <-drained:
		case <-time.After(abandonGrace):
			slog.Error("bridge: undelivered reports still running at shutdown")
		}
	}
	close(d.done)
	return ctx.Err()
}

// Done is closed once Run has drained and returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func retryable(err error) bool {
	return errors.Is(err, core.ErrStoreUnavailable) || errors.Is(err, core.ErrPlatformUnavailable)
}

func (d *Dispatcher) process(ctx context.Context, worker int, msg discord.Message) {
	backoff := d.retryBackoff
	for attempt := 1; ; attempt++ {
		err := d.attempt(ctx, msg)
		if err == nil {
			return
		}
		if !retryable(err) || attempt >= d.maxAttempts {
			d.giveUp(ctx, msg, err)
			return
		}
		slog.Warn("bridge: event failed; retrying",
			"worker", worker, "channel", msg.ChannelID, "message", msg.ID,
			"attempt", attempt, "backoff", backoff, "err", err)
		d.metrics.IncEventRetries()

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.giveUp(ctx, msg, fmt.Errorf("%w: %w", ErrShuttingDown, err))
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, msg discord.Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bridge: event handler panic", "channel", msg.ChannelID, "message", msg.ID, "panic", r)
			err = fmt.Errorf("bridge: handler panic: %v", r)
		}
	}()
	return d.handle(ctx, msg)
}

// giveUp logs the lost event and hands it to the Undelivered hook with a
// context that outlives shutdown; the hook bounds its own calls.
func (d *Dispatcher) giveUp(ctx context.Context, msg discord.Message, cause error) {
	d.metrics.IncEventsDropped("undelivered")
	slog.Error("bridge: event not delivered",
		"channel", msg.ChannelID, "message", msg.ID, "author", msg.Author.ID, "err", cause)
	if d.undelivered != nil {
		d.undelivered(context.WithoutCancel(ctx), msg, cause)
	}
}
