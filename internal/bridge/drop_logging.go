package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-tickets/internal/discord"
)

const (
	dropSummaryInterval = 30 * time.Second
	dropSampleMaxLen    = 96
	dropChannelMaxLen   = 24
)

var (
	botTokenRe  = regexp.MustCompile(`[A-Za-z0-9_\-]{23,28}\.[A-Za-z0-9_\-]{6,7}\.[A-Za-z0-9_\-]{27,40}`)
	longTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{32,}`)
)

type dropReasonSummary struct {
	total         int
	byChannel     map[string]int
	sampleChannel map[string]string
}

// dropLogger folds dropped events into one summary line per reason per
// interval; per-event lines only appear when verbose.
type dropLogger struct {
	verbose  bool
	interval time.Duration

	mu       sync.Mutex
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
	}
}

func (d *dropLogger) note(now time.Time, reason string, msg discord.Message) {
	if d == nil {
		return
	}
	channel := sanitizeAndTruncate(msg.ChannelID, dropChannelMaxLen)
	sample := sanitizeAndTruncate(msg.Content, dropSampleMaxLen)
	if d.verbose {
		slog.Debug("bridge: dropped event",
			"reason", reason,
			"channel", channel,
			"author", msg.Author.ID,
			"sample", sample,
		)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			byChannel:     make(map[string]int),
			sampleChannel: make(map[string]string),
		}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byChannel[channel]++
	if _, ok := entry.sampleChannel[channel]; !ok {
		entry.sampleChannel[channel] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flushLocked(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(now)
}

func (d *dropLogger) flushLocked(now time.Time) {
	defer func() { d.nextEmit = now.Add(d.interval) }()
	if len(d.reasons) == 0 {
		return
	}
	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		slog.Info("bridge: dropped_"+reason,
			"total", rs.total,
			"channels", formatChannelCounts(rs.byChannel),
			"samples", formatChannelSamples(rs.sampleChannel),
		)
	}
	clear(d.reasons)
}

func (d *dropLogger) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, rs := range d.reasons {
		n += rs.total
	}
	return n
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	s = botTokenRe.ReplaceAllString(s, "[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func readDropDebugEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("TICKETS_DEBUG_DROPS"))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func formatChannelCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, ch := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", ch, counts[ch]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatChannelSamples(samples map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, ch := range sortedKeys(samples) {
		parts = append(parts, ch+":'"+samples[ch]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
