// Package eventtrace follows one inbound chat event through the bridge so a
// debug log line can show how far it got.
package eventtrace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageReceived   Stage = "received"
	StageClassified Stage = "classified"
	StageStored     Stage = "stored"
	StageClosed     Stage = "closed"
	StageFailed     Stage = "failed"

	StageDroppedPrefix = "dropped_"
)

// StageDropped names the stage for an event dropped for reason.
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

type Trace struct {
	ChannelID string
	MessageID string
	AuthorID  string
	TraceID   string

	start time.Time

	mu     sync.Mutex
	stages []Stage
	attrs  map[string]string
}

// New starts a trace for a received event.
func New(channelID, messageID, authorID string) *Trace {
	return &Trace{
		ChannelID: channelID,
		MessageID: messageID,
		AuthorID:  authorID,
		TraceID:   computeTraceID(channelID, messageID),
		start:     time.Now(),
		stages:    []Stage{StageReceived},
		attrs:     make(map[string]string),
	}
}

// Mark appends stage and records attributes given as key, value pairs.
func (t *Trace) Mark(stage Stage, kv ...string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages = append(t.stages, stage)
	for i := 0; i+1 < len(kv); i += 2 {
		t.attrs[kv[i]] = kv[i+1]
	}
}

// Stages returns the stages reached so far, in order.
func (t *Trace) Stages() []Stage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Stage(nil), t.stages...)
}

func (t *Trace) Attr(key string) string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attrs[key]
}

// Log writes the trace at debug level.
func (t *Trace) Log(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	t.mu.Lock()
	stages := append([]Stage(nil), t.stages...)
	attrs := make(map[string]string, len(t.attrs))
	for k, v := range t.attrs {
		attrs[k] = v
	}
	t.mu.Unlock()

	logger.Debug(msg,
		"trace_id", t.TraceID,
		"channel", t.ChannelID,
		"message", t.MessageID,
		"author", t.AuthorID,
		"stages", stages,
		"attrs", attrs,
		"elapsed", time.Since(t.start),
	)
}

func computeTraceID(channelID, messageID string) string {
	digest := sha256.Sum256([]byte(channelID + "\x1f" + messageID))
	return hex.EncodeToString(digest[:8])
}
