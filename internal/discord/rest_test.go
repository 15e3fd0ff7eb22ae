package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/gnasty-tickets/internal/core"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{Token: "secret", BaseURL: srv.URL, Timeout: 2 * time.Second, Rate: 1000, Burst: 100})
}

func TestClientCreateChannelSendsOverwrites(t *testing.T) {
	var got CreateChannelParams
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/guilds/g1/channels" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bot secret" {
			t.Errorf("authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_ = json.NewEncoder(w).Encode(Channel{ID: "c1", Name: got.Name, Topic: got.Topic, Type: got.Type})
	}))

	params := CreateChannelParams{
		Name:     "ticket-abc123",
		Type:     ChannelTypeGuildText,
		Topic:    "ticket:ABC123",
		ParentID: "cat",
		PermissionOverwrites: []Overwrite{
			DenyRole("g1", PermViewChannel),
			AllowRole("admins", PermViewChannel|PermSendMessages|PermReadMessageHistory),
		},
	}
	ch, err := c.CreateChannel(context.Background(), "g1", params)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if ch.ID != "c1" || ch.Topic != "ticket:ABC123" {
		t.Fatalf("unexpected channel %+v", ch)
	}
	if len(got.PermissionOverwrites) != 2 {
		t.Fatalf("overwrites not sent: %+v", got)
	}
	if got.PermissionOverwrites[0].Deny != "1024" || got.PermissionOverwrites[1].Allow != "68608" {
		t.Fatalf("unexpected permission bits %+v", got.PermissionOverwrites)
	}
}

func TestClientRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.01,"global":false}`))
			return
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "m1", ChannelID: "c1", Content: "hi"})
	}))

	msg, err := c.SendMessage(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m1" || calls.Load() != 2 {
		t.Fatalf("expected retry, got msg %+v after %d calls", msg, calls.Load())
	}
}

func TestClientUnknownChannel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	}))

	_, err := c.SendMessage(context.Background(), "gone", "hi")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found kind, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUnknownChannel {
		t.Fatalf("expected APIError in chain, got %v", err)
	}
}

func TestClientServerErrorIsPlatformUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	err := c.DeleteChannel(context.Background(), "c1")
	if !errors.Is(err, core.ErrPlatformUnavailable) {
		t.Fatalf("expected platform unavailable, got %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{Token: "t", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.ListChannels(context.Background(), "g1")
	if !errors.Is(err, core.ErrPlatformUnavailable) {
		t.Fatalf("expected platform unavailable, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestClientTokenProviderWins(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]Guild{{ID: "g9", Name: "Support"}})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Token: "stale", TokenProvider: func() string { return "fresh" }, BaseURL: srv.URL})
	g, err := c.FirstGuild(context.Background())
	if err != nil {
		t.Fatalf("first guild: %v", err)
	}
	if g.ID != "g9" || auth.Load() != "Bot fresh" {
		t.Fatalf("unexpected guild %+v auth %v", g, auth.Load())
	}
}

func TestSnowflakeLess(t *testing.T) {
	if !SnowflakeLess("175928847299117063", "175928847299117064") {
		t.Fatalf("expected numeric order")
	}
	if !SnowflakeLess("99", "100") {
		t.Fatalf("expected numeric order across lengths")
	}
}
