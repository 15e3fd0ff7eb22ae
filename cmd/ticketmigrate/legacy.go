package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-tickets/internal/core"
)

type legacyMessage struct {
	From string          `json:"from"`
	Text string          `json:"text"`
	Time json.RawMessage `json:"time"`
}

type legacyThread struct {
	Messages []legacyMessage `json:"messages"`
}

// importBatch is one canonical player's merged history.
type importBatch struct {
	PlayerID string
	Messages []core.Message
	Skipped  int
}

// parseLegacy reads the file-backed store: an object keyed by playerId whose
// values are either {"messages": [...]} or the bare message array. Keys that
// fold to the same canonical ID are merged in time order.
func parseLegacy(r io.Reader) ([]importBatch, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("decode legacy file: %w", err)
	}

	var warnings []string
	byID := make(map[string]*importBatch)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := core.ValidatePlayerID(key); err != nil {
			warnings = append(warnings, fmt.Sprintf("skip player %q: %v", key, err))
			continue
		}
		msgs, err := decodeThread(raw[key])
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skip player %q: %v", key, err))
			continue
		}
		id := core.CanonicalPlayerID(key)
		batch := byID[id]
		if batch == nil {
			// first spelling wins as the display form
			batch = &importBatch{PlayerID: strings.TrimSpace(key)}
			byID[id] = batch
		}
		for i, m := range msgs {
			msg, err := convertMessage(m)
			if err != nil {
				batch.Skipped++
				warnings = append(warnings, fmt.Sprintf("player %q message %d: %v", key, i, err))
				continue
			}
			batch.Messages = append(batch.Messages, msg)
		}
	}

	out := make([]importBatch, 0, len(byID))
	for _, b := range byID {
		sort.SliceStable(b.Messages, func(i, j int) bool {
			return b.Messages[i].Time.Before(b.Messages[j].Time)
		})
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return core.CanonicalPlayerID(out[i].PlayerID) < core.CanonicalPlayerID(out[j].PlayerID)
	})
	return out, warnings, nil
}

func decodeThread(raw json.RawMessage) ([]legacyMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []legacyMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}
	var t legacyThread
	if err := json.Unmarshal(trimmed, &t); err != nil {
		return nil, err
	}
	return t.Messages, nil
}

func convertMessage(m legacyMessage) (core.Message, error) {
	from := core.Sender(strings.ToLower(strings.TrimSpace(m.From)))
	if !from.Valid() {
		return core.Message{}, fmt.Errorf("unknown sender %q", m.From)
	}
	ts, err := parseLegacyTime(m.Time)
	if err != nil {
		return core.Message{}, err
	}
	return core.Message{From: from, Text: m.Text, Time: ts}, nil
}

// parseLegacyTime accepts an ISO-8601 string or epoch milliseconds. A
// missing time yields the zero value, which the store replaces with now.
func parseLegacyTime(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return time.Time{}, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q", s)
		}
		return t.UTC(), nil
	}
	ms, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %s", trimmed)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
