package httpadmin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/you/gnasty-tickets/internal/retention"
)

type Reloader interface {
	ReloadDiscord() (changed bool, err error)
}

type Sweeper interface {
	RunNow(ctx context.Context) (retention.Result, error)
}

// Router is satisfied by *http.ServeMux and by the API server.
type Router interface {
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
}

type Server struct {
	rel   Reloader
	sweep Sweeper
	token string
}

// New builds the admin endpoints. Mutating endpoints require token as a
// bearer credential and are not registered at all when token is empty.
func New(rel Reloader, sweep Sweeper, token string) *Server {
	return &Server{rel: rel, sweep: sweep, token: strings.TrimSpace(token)}
}

func (s *Server) Register(mux Router) {
	mux.HandleFunc("GET /admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.token == "" {
		return
	}
	if s.rel != nil {
		mux.HandleFunc("POST /admin/discord/reload", s.authorized(s.handleReload))
	}
	if s.sweep != nil {
		mux.HandleFunc("POST /admin/retention/run", s.authorized(s.handleRetention))
	}
}

func (s *Server) authorized(next http.HandlerFunc) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	changed, err := s.rel.ReloadDiscord()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": changed})
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	res, err := s.sweep.RunNow(ctx)
	if errors.Is(err, retention.ErrRunning) {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "skipped", "reason": "sweep already running"})
		return
	}
	if err != nil {
		http.Error(w, "sweep failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runId":  res.RunID,
		"cutoff": res.Cutoff.Format(time.RFC3339),
		"pruned": res.Pruned,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
