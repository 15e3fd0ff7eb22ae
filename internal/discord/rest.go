package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/you/gnasty-tickets/internal/core"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"

	// API error codes.
	CodeUnknownChannel = 10003
	CodeUnknownMessage = 10008

	maxRateLimitRetries = 3
)

// ErrUnknownChannel matches REST failures for channels that no longer exist.
var ErrUnknownChannel = errors.New("discord: unknown channel")

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("discord: http %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("discord: http %d", e.Status)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnknownChannel && e.Code == CodeUnknownChannel
}

type ClientConfig struct {
	Token string
	// TokenProvider, when set, is consulted on every request so a reloaded
	// token takes effect without rebuilding the client.
	TokenProvider func() string
	BaseURL       string
	HTTPClient    *http.Client
	// Timeout bounds each call including rate limit waits.
	Timeout time.Duration
	// Rate and Burst throttle outbound requests.
	Rate  rate.Limit
	Burst int
}

type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	base    string
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 40
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		base:    base,
	}
}

func (c *Client) token() string {
	if c.cfg.TokenProvider != nil {
		if tok := strings.TrimSpace(c.cfg.TokenProvider()); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(c.cfg.Token)
}

func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, "current user", http.MethodGet, "/users/@me", nil, &u)
	return u, err
}

func (c *Client) Guilds(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	err := c.do(ctx, "list guilds", http.MethodGet, "/users/@me/guilds", nil, &guilds)
	return guilds, err
}

// FirstGuild returns the first guild the bot belongs to.
func (c *Client) FirstGuild(ctx context.Context) (Guild, error) {
	guilds, err := c.Guilds(ctx)
	if err != nil {
		return Guild{}, err
	}
	if len(guilds) == 0 {
		return Guild{}, &core.Error{Kind: core.ErrNotFound, Op: "first guild", Err: errors.New("bot is not in any guild")}
	}
	return guilds[0], nil
}

func (c *Client) ListChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var channels []Channel
	err := c.do(ctx, "list channels", http.MethodGet, "/guilds/"+url.PathEscape(guildID)+"/channels", nil, &channels)
	return channels, err
}

func (c *Client) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	err := c.do(ctx, "get channel", http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, &ch)
	return ch, err
}

func (c *Client) CreateChannel(ctx context.Context, guildID string, params CreateChannelParams) (Channel, error) {
	var ch Channel
	err := c.do(ctx, "create channel", http.MethodPost, "/guilds/"+url.PathEscape(guildID)+"/channels", params, &ch)
	return ch, err
}

func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, "delete channel", http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, channelID, content string) (Message, error) {
	var msg Message
	body := map[string]any{
		"content":          content,
		"allowed_mentions": map[string]any{"parse": []string{}},
	}
	err := c.do(ctx, "send message", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", body, &msg)
	return msg, err
}

func (c *Client) GetMessage(ctx context.Context, channelID, messageID string) (Message, error) {
	var msg Message
	err := c.do(ctx, "get message", http.MethodGet,
		"/channels/"+url.PathEscape(channelID)+"/messages/"+url.PathEscape(messageID), nil, &msg)
	return msg, err
}

// do performs one API call. Transport failures, timeouts, 5xx and exhausted
// rate limit retries become core.ErrPlatformUnavailable; 404 becomes
// core.ErrNotFound. The *APIError stays in the chain.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "discord: encode %s", op)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return core.PlatformUnavailable(op, errors.Wrap(err, "rate limit wait"))
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return errors.Wrapf(err, "discord: build %s request", op)
		}
		req.Header.Set("Authorization", "Bot "+c.token())
		req.Header.Set("User-Agent", "DiscordBot (https://github.com/you/gnasty-tickets, 1)")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return core.PlatformUnavailable(op, errors.Wrap(err, "discord request"))
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if readErr != nil {
			return core.PlatformUnavailable(op, errors.Wrap(readErr, "read response"))
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			wait := retryAfter(resp.Header, data)
			slog.Debug("discord: rate limited", "op", op, "retry_after", wait, "attempt", attempt+1)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return core.PlatformUnavailable(op, errors.Wrap(ctx.Err(), "rate limited"))
			case <-timer.C:
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode}
			_ = json.Unmarshal(data, apiErr)
			if resp.StatusCode == http.StatusNotFound {
				return &core.Error{Kind: core.ErrNotFound, Op: op, Err: apiErr}
			}
			return core.PlatformUnavailable(op, apiErr)
		}

		if out == nil || len(data) == 0 || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return core.PlatformUnavailable(op, errors.Wrap(err, "decode response"))
		}
		return nil
	}
}

func retryAfter(h http.Header, body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}
