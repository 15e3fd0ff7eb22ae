package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/you/gnasty-tickets/internal/bridge"
	"github.com/you/gnasty-tickets/internal/classify"
	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/discord"
	"github.com/you/gnasty-tickets/internal/discord/discordtest"
	"github.com/you/gnasty-tickets/internal/metrics"
	"github.com/you/gnasty-tickets/internal/threadstore"
	"github.com/you/gnasty-tickets/internal/tickets"
)

type stack struct {
	srv      *httptest.Server
	bridge   *bridge.Bridge
	platform *discordtest.Platform
	metrics  *metrics.Metrics
}

func newStack(t *testing.T, opts Options) *stack {
	t.Helper()
	ctx := context.Background()
	store, err := threadstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(ctx) })

	platform := discordtest.New("100")
	registry := tickets.New(tickets.Config{GuildID: "100", CategoryID: "200", AdminRoleID: "300", Timeout: time.Second}, platform)
	classifier := classify.New(classify.Config{
		Strategy: classify.StrategyChannel,
		SelfID:   func() string { return discordtest.BotUser.ID },
	}, registry, platform)
	m := metrics.New()
	b := bridge.New(bridge.Config{PlatformTimeout: time.Second, Metrics: m}, store, registry, platform, classifier)

	opts.Metrics = m
	opts.EnableMetrics = true
	opts.Health = store.Ping
	api := New(b, opts)
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return &stack{srv: ts, bridge: b, platform: platform, metrics: m}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getBody(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestTicketScenarioOverHTTP(t *testing.T) {
	s := newStack(t, Options{})

	resp, body := postJSON(t, s.srv.URL+"/sendMessage", map[string]string{"playerId": "ABC123", "text": "hi"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("sendMessage = %d %v", resp.StatusCode, body)
	}

	chans := s.platform.Channels()
	if len(chans) != 1 {
		t.Fatalf("expected one ticket channel, got %d", len(chans))
	}
	msg, err := s.platform.Post(chans[0].ID, discord.User{ID: "42", Username: "mod"}, "hello", "")
	if err != nil {
		t.Fatalf("admin post: %v", err)
	}
	if err := s.bridge.ReceiveAdminEvent(context.Background(), msg); err != nil {
		t.Fatalf("admin event: %v", err)
	}

	resp, raw := getBody(t, s.srv.URL+"/checkNewMessages/ABC123")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(raw)) != `{"hasNew":true}` {
		t.Fatalf("checkNewMessages = %d %s", resp.StatusCode, raw)
	}

	resp, body = postJSON(t, s.srv.URL+"/markMessagesRead", map[string]string{"playerId": "ABC123"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("markMessagesRead = %d %v", resp.StatusCode, body)
	}
	_, raw = getBody(t, s.srv.URL+"/checkNewMessages/ABC123")
	if strings.TrimSpace(string(raw)) != `{"hasNew":false}` {
		t.Fatalf("after mark read: %s", raw)
	}

	resp, raw = getBody(t, s.srv.URL+"/getMessages/ABC123")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("getMessages status %d", resp.StatusCode)
	}
	var msgs []core.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 2 ||
		msgs[0].From != core.SenderPlayer || msgs[0].Text != "hi" ||
		msgs[1].From != core.SenderAdmin || msgs[1].Text != "hello" {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if !strings.Contains(string(raw), `"time":"`) {
		t.Fatalf("messages must carry a time field: %s", raw)
	}
}

func TestGetMessagesUnknownPlayerIsEmptyArray(t *testing.T) {
	s := newStack(t, Options{})
	resp, raw := getBody(t, s.srv.URL+"/getMessages/UNKNOWN")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("getMessages(UNKNOWN) = %d %s", resp.StatusCode, raw)
	}
	_, raw = getBody(t, s.srv.URL+"/checkNewMessages/UNKNOWN")
	if strings.TrimSpace(string(raw)) != `{"hasNew":false}` {
		t.Fatalf("checkNewMessages(UNKNOWN) = %s", raw)
	}
}

func TestGetMessagesHonoursLimit(t *testing.T) {
	s := newStack(t, Options{})
	for _, text := range []string{"one", "two", "three"} {
		if err := s.bridge.SubmitPlayerMessage(context.Background(), "P9", text); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	_, raw := getBody(t, s.srv.URL+"/getMessages/P9?limit=2")
	var msgs []core.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Fatalf("limit=2 returned %+v", msgs)
	}

	resp, _ := getBody(t, s.srv.URL+"/getMessages/P9?limit=zero")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
}

func TestSendMessageValidation(t *testing.T) {
	s := newStack(t, Options{})

	cases := []any{
		map[string]string{"playerId": "P1"},
		map[string]string{"text": "hi"},
		map[string]string{"playerId": "  ", "text": "hi"},
		map[string]string{"playerId": "P1", "text": "   "},
	}
	for _, c := range cases {
		resp, body := postJSON(t, s.srv.URL+"/sendMessage", c)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%v: status %d", c, resp.StatusCode)
		}
		if msg, _ := body["error"].(string); msg == "" {
			t.Fatalf("%v: missing error message", c)
		}
	}

	resp, err := http.Post(s.srv.URL+"/sendMessage", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", resp.StatusCode)
	}

	resp, body := postJSON(t, s.srv.URL+"/markMessagesRead", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("markMessagesRead without id = %d %v", resp.StatusCode, body)
	}

	if n := s.platform.CreateCount(); n != 0 {
		t.Fatalf("invalid requests must not create channels, got %d", n)
	}
}

func TestSendMessagePlatformFailureIs500(t *testing.T) {
	s := newStack(t, Options{})
	s.platform.FailNext("create", errors.New("discord down"))

	resp, body := postJSON(t, s.srv.URL+"/sendMessage", map[string]string{"playerId": "P1", "text": "hi"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["kind"] != "platform_unavailable" {
		t.Fatalf("unexpected body %v", body)
	}
	_, raw := getBody(t, s.srv.URL+"/getMessages/P1")
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("nothing may be stored after a platform failure: %s", raw)
	}
}

type stubService struct {
	err error
}

func (s stubService) SubmitPlayerMessage(context.Context, string, string) error { return s.err }
func (s stubService) GetMessages(context.Context, string) ([]core.Message, error) {
	return nil, s.err
}
func (s stubService) HasNewMessages(context.Context, string) (bool, error) { return false, s.err }
func (s stubService) MarkRead(context.Context, string) error               { return s.err }

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{core.PartialDelivery("P1", errors.New("disk full")), http.StatusInternalServerError, "partial_delivery"},
		{core.StoreUnavailable("append", errors.New("closed")), http.StatusInternalServerError, "store_unavailable"},
		{core.PlatformUnavailable("send", context.DeadlineExceeded), http.StatusInternalServerError, "platform_unavailable"},
		{core.Validation("playerId required"), http.StatusBadRequest, ""},
	}
	for _, c := range cases {
		api := New(stubService{err: c.err}, Options{})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/sendMessage", strings.NewReader(`{"playerId":"P1","text":"x"}`))
		api.Handler().ServeHTTP(rec, req)
		if rec.Code != c.status {
			t.Fatalf("%v: status %d, want %d", c.err, rec.Code, c.status)
		}
		var body map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if c.kind != "" && body["kind"] != c.kind {
			t.Fatalf("%v: kind %v, want %s", c.err, body["kind"], c.kind)
		}
		if strings.Contains(rec.Body.String(), "disk full") {
			t.Fatalf("internal causes must not leak: %s", rec.Body.String())
		}
	}
}

func TestRootAndInfo(t *testing.T) {
	s := newStack(t, Options{Build: BuildInfo{Version: "1.2.3", Revision: "abc"}})
	resp, raw := getBody(t, s.srv.URL+"/")
	if resp.StatusCode != http.StatusOK || string(raw) != LivenessText {
		t.Fatalf("root = %d %q", resp.StatusCode, raw)
	}
	resp, _ = getBody(t, s.srv.URL+"/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path = %d", resp.StatusCode)
	}
	_, raw = getBody(t, s.srv.URL+"/info")
	if !strings.Contains(string(raw), `"version":"1.2.3"`) || !strings.Contains(string(raw), `"rev":"abc"`) {
		t.Fatalf("info = %s", raw)
	}
	resp, raw = getBody(t, s.srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || string(raw) != "ok" {
		t.Fatalf("healthz = %d %s", resp.StatusCode, raw)
	}
}

func TestHealthzReportsStoreFailure(t *testing.T) {
	api := New(stubService{}, Options{Health: func(context.Context) error { return errors.New("down") }})
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := New(stubService{}, Options{})
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sendMessage", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /sendMessage = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	api := New(stubService{}, Options{CORSOrigins: []string{"https://game.example"}})
	h := api.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/sendMessage", nil)
	req.Header.Set("Origin", "https://game.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("allow methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type" {
		t.Fatalf("allow headers = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed origin = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://game.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://game.example" {
		t.Fatalf("allowed origin = %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRateLimit(t *testing.T) {
	m := metrics.New()
	api := New(stubService{}, Options{RateLimitRPS: 1, RateLimitBurst: 1, Metrics: m})
	h := api.Handler()

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
}

func TestGzipAndRequestID(t *testing.T) {
	api := New(stubService{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/getMessages/P1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Request-ID", "rid-1")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "rid-1" {
		t.Fatalf("request id not echoed: %q", rec.Header().Get("X-Request-ID"))
	}
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding")
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, _ := io.ReadAll(zr)
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("decoded body = %q", raw)
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	s := newStack(t, Options{})
	getBody(t, s.srv.URL+"/getMessages/P1")
	getBody(t, s.srv.URL+"/getMessages/P2")

	_, raw := getBody(t, s.srv.URL+"/metrics")
	want := `tickets_http_requests_total{method="GET",route="GET /getMessages/{playerId}",status="200"} 2`
	if !strings.Contains(string(raw), want) {
		t.Fatalf("metrics missing %q", want)
	}
}
