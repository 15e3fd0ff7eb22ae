// Package supervisor owns credential rotation for the running bot.
package supervisor

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/you/gnasty-tickets/internal/credentials"
)

// Gateway is the part of the Discord gateway the supervisor drives.
type Gateway interface {
	Reconnect()
}

type Supervisor struct {
	tokenPath string
	source    *credentials.Source
	loader    *credentials.FileTokenLoader

	mu sync.Mutex
	gw Gateway
}

func New(tokenPath string, source *credentials.Source, gw Gateway) *Supervisor {
	s := &Supervisor{tokenPath: tokenPath, source: source, gw: gw}
	if strings.TrimSpace(tokenPath) != "" {
		s.loader = credentials.NewFileTokenLoader(tokenPath)
		if source != nil {
			s.loader.SetCached(source.Token())
		}
	}
	return s
}

func (s *Supervisor) SetGateway(gw Gateway) {
	s.mu.Lock()
	s.gw = gw
	s.mu.Unlock()
}

// ReloadDiscord re-reads the token file. When the token rotated the source
// is updated and the gateway is asked to identify again.
func (s *Supervisor) ReloadDiscord() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loader == nil {
		return false, fmt.Errorf("token file not configured")
	}
	if s.source == nil {
		return false, fmt.Errorf("token source unavailable")
	}
	token, changed, err := s.loader.Load()
	if err != nil {
		return false, fmt.Errorf("read token: %w", err)
	}
	if !changed || !s.source.Set(token) {
		slog.Info("discord: token unchanged", "path", s.tokenPath)
		return false, nil
	}
	if s.gw != nil {
		s.gw.Reconnect()
	}
	slog.Info("discord: reloaded token and reconnecting", "token", credentials.Redact(token))
	return true, nil
}

// TokenPath reports the watched token file, if any.
func (s *Supervisor) TokenPath() string { return s.tokenPath }
