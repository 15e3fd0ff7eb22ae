package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/metrics"
)

const (
	maxBodyBytes = 64 << 10

	LivenessText = "✅ Support Chat Bot is running"
)

// Service is the player-facing surface of the message bridge.
type Service interface {
	SubmitPlayerMessage(ctx context.Context, playerID, text string) error
	GetMessages(ctx context.Context, playerID string) ([]core.Message, error)
	HasNewMessages(ctx context.Context, playerID string) (bool, error)
	MarkRead(ctx context.Context, playerID string) error
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	EnablePprof     bool
	Build           BuildInfo
	ConfigSnapshot  any
	Metrics         *metrics.Metrics
	// Health reports backend readiness for /healthz.
	Health func(context.Context) error
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	svc        Service
	opts       Options

	limiter *ipRateLimiter
	cors    *corsPolicy
}

func New(svc Service, opts Options) *Server {
	srv := &Server{
		svc:     svc,
		opts:    opts,
		mux:     http.NewServeMux(),
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
	}

	srv.HandleFunc("GET /{$}", srv.handleRoot)
	srv.HandleFunc("POST /sendMessage", srv.handleSendMessage)
	srv.HandleFunc("GET /getMessages/{playerId}", srv.handleGetMessages)
	srv.HandleFunc("GET /checkNewMessages/{playerId}", srv.handleCheckNewMessages)
	srv.HandleFunc("POST /markMessagesRead", srv.handleMarkRead)
	srv.HandleFunc("GET /healthz", srv.handleHealthz)
	srv.HandleFunc("GET /info", srv.handleInfo)
	if opts.ConfigSnapshot != nil {
		srv.HandleFunc("GET /configz", srv.handleConfig)
	}
	if opts.EnableMetrics && opts.Metrics != nil {
		srv.HandleFunc("GET /metrics", opts.Metrics.Handler().ServeHTTP)
	}
	if opts.EnablePprof {
		srv.mux.HandleFunc("/debug/pprof/", pprof.Index)
		srv.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		srv.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		srv.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		srv.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// HandleFunc registers h and records the matched pattern so request metrics
// stay low-cardinality.
func (s *Server) HandleFunc(pattern string, h func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		setRoute(r.Context(), pattern)
		h(w, r)
	})
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		withRequestID,
		observe(s.opts.Metrics, s.opts.EnableAccessLog),
		s.cors.middleware,
		s.limiter.middleware(s.opts.Metrics),
		withGzip,
	)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(LivenessText))
}

type sendMessageRequest struct {
	PlayerID string `json:"playerId"`
	Text     string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SubmitPlayerMessage(r.Context(), req.PlayerID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	filters, err := HistoryFiltersFromRequest(r)
	if err != nil {
		writeError(w, core.Validation(err.Error()))
		return
	}
	msgs, err := s.svc.GetMessages(r.Context(), r.PathValue("playerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, filters.Apply(msgs))
}

func (s *Server) handleCheckNewMessages(w http.ResponseWriter, r *http.Request) {
	hasNew, err := s.svc.HasNewMessages(r.Context(), r.PathValue("playerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hasNew": hasNew})
}

type markReadRequest struct {
	PlayerID string `json:"playerId"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.MarkRead(r.Context(), req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.ConfigSnapshot)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return core.Validation("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP: validation problems are the
// caller's fault, everything else is a server-side failure.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": "internal error"}
	switch {
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
		body["error"] = err.Error()
	case errors.Is(err, core.ErrPartialDelivery):
		body["error"] = "message posted to support but not saved"
		body["kind"] = "partial_delivery"
	case errors.Is(err, core.ErrPlatformUnavailable):
		body["error"] = "support platform unavailable"
		body["kind"] = "platform_unavailable"
	case errors.Is(err, core.ErrStoreUnavailable):
		body["error"] = "message store unavailable"
		body["kind"] = "store_unavailable"
	}
	if status >= http.StatusInternalServerError {
		log.Printf("http: request failed: %v", err)
	}
	writeJSON(w, status, body)
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
