// Package credentials loads and holds the Discord bot token.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("credentials: empty token")

// NormalizeBotToken trims the token, strips surrounding quotes and drops a
// leading "Bot " scheme so it can be used in both REST and gateway calls.
func NormalizeBotToken(s string) string {
	t := strings.TrimSpace(s)
	t = strings.Trim(t, `"'`)
	if len(t) >= 4 && strings.EqualFold(t[:4], "bot ") {
		t = strings.TrimSpace(t[4:])
	}
	return t
}

// Redact hides a secret while keeping its length visible for debugging.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("***REDACTED*** (len=%d)", len(s))
}

// FileTokenLoader reads a token from disk and remembers the last value so
// callers can tell rotations from rewrites.
type FileTokenLoader struct {
	path   string
	mu     sync.Mutex
	cached string
}

func NewFileTokenLoader(path string) *FileTokenLoader {
	return &FileTokenLoader{path: path}
}

func (l *FileTokenLoader) Path() string { return l.path }

// Load reads and normalizes the token. The boolean reports whether it
// differs from the previous load.
func (l *FileTokenLoader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, err
	}
	token := NormalizeBotToken(string(data))
	if token == "" {
		l.cached = ""
		return "", false, ErrEmptyToken
	}
	if token == l.cached {
		return l.cached, false, nil
	}
	l.cached = token
	return token, true, nil
}

// SetCached pre-populates the remembered value.
func (l *FileTokenLoader) SetCached(token string) {
	l.mu.Lock()
	l.cached = NormalizeBotToken(token)
	l.mu.Unlock()
}

// Source hands the current token to the REST and gateway clients.
type Source struct {
	mu    sync.RWMutex
	token string
}

func NewSource(token string) *Source {
	return &Source{token: NormalizeBotToken(token)}
}

func (s *Source) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token and reports whether it changed.
func (s *Source) Set(token string) bool {
	token = NormalizeBotToken(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == s.token {
		return false
	}
	s.token = token
	return true
}

// Resolve picks the startup token: the file wins when configured.
func Resolve(inline, path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		token, _, err := NewFileTokenLoader(path).Load()
		if err != nil {
			return "", fmt.Errorf("read token file %s: %w", path, err)
		}
		return token, nil
	}
	token := NormalizeBotToken(inline)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}
