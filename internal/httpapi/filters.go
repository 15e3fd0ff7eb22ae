package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/you/gnasty-tickets/internal/core"
)

const maxLimit = 1000

// HistoryFilters narrows a thread's history. The zero value keeps everything.
type HistoryFilters struct {
	Since *time.Time
	// Limit keeps only the newest Limit messages; zero means no limit.
	Limit int
}

// ParseHistoryFilters parses the optional since and limit query parameters.
func ParseHistoryFilters(values url.Values) (HistoryFilters, error) {
	var f HistoryFilters

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return HistoryFilters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince, time.Now())
		if err != nil {
			return HistoryFilters{}, err
		}
		f.Since = &parsed
	}

	return f, nil
}

// HistoryFiltersFromRequest parses filters from an HTTP request.
func HistoryFiltersFromRequest(r *http.Request) (HistoryFilters, error) {
	return ParseHistoryFilters(r.URL.Query())
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Apply returns the matching messages, oldest first. The input is never
// modified and the result is never nil.
func (f HistoryFilters) Apply(msgs []core.Message) []core.Message {
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if f.Since != nil && m.Time.Before(*f.Since) {
			continue
		}
		out = append(out, m)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
