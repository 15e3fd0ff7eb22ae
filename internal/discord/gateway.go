package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Close codes that make further attempts pointless with the same settings.
const (
	closeAuthFailed        websocket.StatusCode = 4004
	closeInvalidShard      websocket.StatusCode = 4010
	closeShardingRequired  websocket.StatusCode = 4011
	closeInvalidAPIVersion websocket.StatusCode = 4012
	closeInvalidIntents    websocket.StatusCode = 4013
	closeDisallowedIntents websocket.StatusCode = 4014

	// closeResumable is sent by us when we intend to resume the session.
	closeResumable websocket.StatusCode = 4000
)

var (
	errAuthFailed       = errors.New("discord: gateway authentication failed")
	errReconnect        = errors.New("discord: gateway requested reconnect")
	errHeartbeatTimeout = errors.New("discord: heartbeat not acknowledged")
)

type GatewayConfig struct {
	Token         string
	TokenProvider func() string
	URL           string
	Intents       int
}

// Handlers receive dispatch events. They run on the gateway's read loop and
// must not block; hand work off to a dispatcher.
type Handlers struct {
	Ready         func(self User)
	MessageCreate func(Message)
	ChannelDelete func(Channel)
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type Gateway struct {
	cfg      GatewayConfig
	handlers Handlers

	minBackoff time.Duration
	maxBackoff time.Duration

	seq atomic.Int64

	mu        sync.Mutex
	sessionID string
	resumeURL string
	self      User
	connected bool
	dropConn  context.CancelFunc
}

func NewGateway(cfg GatewayConfig, h Handlers) *Gateway {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultGatewayURL
	}
	if cfg.Intents == 0 {
		cfg.Intents = DefaultIntents
	}
	return &Gateway{
		cfg:        cfg,
		handlers:   h,
		minBackoff: time.Second,
		maxBackoff: 60 * time.Second,
	}
}

// Self returns the bot user reported by the last READY event.
func (g *Gateway) Self() User {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.self
}

// Connected reports whether a session is currently established.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Reconnect drops the current connection and starts a fresh session, which
// picks up a reloaded token.
func (g *Gateway) Reconnect() {
	g.mu.Lock()
	g.sessionID = ""
	g.resumeURL = ""
	drop := g.dropConn
	g.mu.Unlock()
	g.seq.Store(0)
	if drop != nil {
		drop()
	}
}

func (g *Gateway) token() string {
	if g.cfg.TokenProvider != nil {
		if tok := strings.TrimSpace(g.cfg.TokenProvider()); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(g.cfg.Token)
}

// Run keeps a gateway session alive until ctx is cancelled, reconnecting
// with exponential backoff and resuming when the session allows it.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := g.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		started := time.Now()
		err := g.runOnce(ctx)
		g.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var fatal fatalError
		if errors.As(err, &fatal) {
			log.Printf("discord: gateway closed permanently: %v", err)
			return err
		}

		if time.Since(started) > 2*g.maxBackoff {
			backoff = g.minBackoff
		}

		switch {
		case err == nil, errors.Is(err, errReconnect), errors.Is(err, context.Canceled):
			log.Printf("discord: gateway reconnecting")
			continue
		case errors.Is(err, errAuthFailed):
			log.Printf("discord: authentication failed; retrying in %s", backoff)
		default:
			log.Printf("discord: gateway disconnected: %v; reconnecting in %s", err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < g.maxBackoff {
			backoff *= 2
			if backoff > g.maxBackoff {
				backoff = g.maxBackoff
			}
		}
	}
}

type fatalError struct {
	code websocket.StatusCode
}

func (e fatalError) Error() string {
	return fmt.Sprintf("discord: gateway close %d", int(e.code))
}

func (g *Gateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}

func (g *Gateway) session() (id, resumeURL string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID, g.resumeURL
}

func (g *Gateway) runOnce(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g.mu.Lock()
	g.dropConn = cancel
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.dropConn = nil
		g.mu.Unlock()
	}()

	token := g.token()
	if token == "" {
		return errAuthFailed
	}

	sessionID, resumeURL := g.session()
	addr := g.cfg.URL
	if sessionID != "" && resumeURL != "" {
		addr = gatewayAddr(resumeURL, g.cfg.URL)
	}

	slog.Debug("discord: dialing gateway", "url", addr, "resume", sessionID != "")
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(16 << 20)

	var hello payload
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return classifyClose(fmt.Errorf("read hello: %w", err))
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil || helloData.HeartbeatInterval <= 0 {
		return fmt.Errorf("bad hello payload")
	}
	interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond

	if sessionID != "" {
		err = wsjson.Write(ctx, conn, outbound{Op: opResume, D: map[string]any{
			"token":      token,
			"session_id": sessionID,
			"seq":        g.seq.Load(),
		}})
	} else {
		err = wsjson.Write(ctx, conn, outbound{Op: opIdentify, D: map[string]any{
			"token":   token,
			"intents": g.cfg.Intents,
			"properties": map[string]string{
				"os":      runtime.GOOS,
				"browser": "gnasty-tickets",
				"device":  "gnasty-tickets",
			},
		}})
	}
	if err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	var acked atomic.Bool
	acked.Store(true)
	hbErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hbErr <- g.heartbeat(ctx, conn, interval, &acked)
	}()
	defer wg.Wait()
	defer cancel()

	for {
		var p payload
		if err := wsjson.Read(ctx, conn, &p); err != nil {
			select {
			case hb := <-hbErr:
				if hb != nil {
					return hb
				}
			default:
			}
			if parent.Err() == nil && ctx.Err() != nil {
				return context.Canceled
			}
			return classifyClose(fmt.Errorf("read: %w", err))
		}
		if p.S != nil {
			g.seq.Store(*p.S)
		}

		switch p.Op {
		case opDispatch:
			g.dispatch(p)
		case opHeartbeat:
			if err := wsjson.Write(ctx, conn, outbound{Op: opHeartbeat, D: g.seqValue()}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		case opHeartbeatACK:
			acked.Store(true)
		case opReconnect:
			_ = conn.Close(closeResumable, "reconnect requested")
			return errReconnect
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				g.mu.Lock()
				g.sessionID, g.resumeURL = "", ""
				g.mu.Unlock()
				g.seq.Store(0)
			}
			log.Printf("discord: invalid session (resumable=%v)", resumable)
			return errReconnect
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration, acked *atomic.Bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !acked.Swap(false) {
			_ = conn.Close(closeResumable, "heartbeat timeout")
			return errHeartbeatTimeout
		}
		if err := wsjson.Write(ctx, conn, outbound{Op: opHeartbeat, D: g.seqValue()}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send heartbeat: %w", err)
		}
	}
}

func (g *Gateway) seqValue() any {
	if s := g.seq.Load(); s > 0 {
		return s
	}
	return nil
}

func (g *Gateway) dispatch(p payload) {
	switch p.T {
	case "READY":
		var ready struct {
			SessionID        string `json:"session_id"`
			ResumeGatewayURL string `json:"resume_gateway_url"`
			User             User   `json:"user"`
		}
		if err := json.Unmarshal(p.D, &ready); err != nil {
			slog.Warn("discord: bad READY payload", "err", err)
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.resumeURL = ready.ResumeGatewayURL
		g.self = ready.User
		g.connected = true
		g.mu.Unlock()
		log.Printf("discord: gateway ready as %s (%s)", ready.User.Username, ready.User.ID)
		if g.handlers.Ready != nil {
			g.handlers.Ready(ready.User)
		}
	case "RESUMED":
		g.setConnected(true)
		log.Printf("discord: gateway session resumed")
	case "MESSAGE_CREATE":
		if g.handlers.MessageCreate == nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(p.D, &msg); err != nil {
			slog.Warn("discord: bad MESSAGE_CREATE payload", "err", err)
			return
		}
		g.handlers.MessageCreate(msg)
	case "CHANNEL_DELETE":
		if g.handlers.ChannelDelete == nil {
			return
		}
		var ch Channel
		if err := json.Unmarshal(p.D, &ch); err != nil {
			slog.Warn("discord: bad CHANNEL_DELETE payload", "err", err)
			return
		}
		g.handlers.ChannelDelete(ch)
	}
}

func classifyClose(err error) error {
	switch websocket.CloseStatus(err) {
	case closeAuthFailed:
		return errAuthFailed
	case closeInvalidShard, closeShardingRequired, closeInvalidAPIVersion, closeInvalidIntents, closeDisallowedIntents:
		return fatalError{code: websocket.CloseStatus(err)}
	}
	return err
}

// gatewayAddr keeps the query string of the configured URL when switching
// to the resume host.
func gatewayAddr(resumeURL, configured string) string {
	resumeURL = strings.TrimRight(resumeURL, "/")
	if i := strings.Index(configured, "?"); i >= 0 {
		return resumeURL + "/" + configured[i:]
	}
	return resumeURL
}
