package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/you/gnasty-tickets/internal/classify"
)

type Config struct {
	Discord   DiscordConfig
	Store     StoreConfig
	HTTP      HTTPConfig
	Retention RetentionConfig
	Events    EventsConfig
	LogLevel  string
}

type DiscordConfig struct {
	Token             string
	TokenFile         string
	GuildID           string
	AdminRoleID       string
	CategoryID        string
	SupportChannelID  string
	Strategy          string
	CloseCommand      string
	CloseGraceMS      int
	PlatformTimeoutMS int
	LegacyTokenEnv    string
}

type StoreConfig struct {
	URI       string
	LegacyEnv string
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	AccessLog   bool
	Pprof       bool
	AdminToken  string
}

type RetentionConfig struct {
	Window time.Duration
	Cron   string
	// Raw keeps the configured window for error messages.
	Raw string
}

type EventsConfig struct {
	Workers int
}

const (
	defaultHTTPAddr          = ":3000"
	defaultStrategy          = "channel"
	defaultCloseCommand      = "!close"
	defaultCloseGraceMS      = 5000
	defaultPlatformTimeoutMS = 10000
	defaultRetention         = "7d"
	defaultSweepCron         = "0 0 * * *"
	defaultWorkers           = 8
	defaultRateRPS           = 20
	defaultRateBurst         = 40
	defaultLogLevel          = "info"
)

func Load() Config {
	cfg := Config{}

	cfg.Discord.Token = strings.TrimSpace(os.Getenv("TICKETS_DISCORD_TOKEN"))
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
		if cfg.Discord.Token != "" {
			cfg.Discord.LegacyTokenEnv = "DISCORD_TOKEN"
		}
	}
	cfg.Discord.TokenFile = strings.TrimSpace(os.Getenv("TICKETS_DISCORD_TOKEN_FILE"))
	cfg.Discord.GuildID = strings.TrimSpace(os.Getenv("TICKETS_GUILD_ID"))
	cfg.Discord.AdminRoleID = firstEnv("TICKETS_ADMIN_ROLE_ID", "ADMIN_ROLE_ID")
	cfg.Discord.CategoryID = firstEnv("TICKETS_CATEGORY_ID", "SUPPORT_CATEGORY_ID")
	cfg.Discord.SupportChannelID = strings.TrimSpace(os.Getenv("TICKETS_SUPPORT_CHANNEL_ID"))
	cfg.Discord.Strategy = strings.ToLower(readString("TICKETS_RESOLVE_STRATEGY", defaultStrategy))
	cfg.Discord.CloseCommand = readString("TICKETS_CLOSE_COMMAND", defaultCloseCommand)
	cfg.Discord.CloseGraceMS = readInt("TICKETS_CLOSE_GRACE_MS", defaultCloseGraceMS)
	cfg.Discord.PlatformTimeoutMS = readInt("TICKETS_PLATFORM_TIMEOUT_MS", defaultPlatformTimeoutMS)

	cfg.Store.URI = strings.TrimSpace(os.Getenv("TICKETS_STORE_URI"))
	if cfg.Store.URI == "" {
		cfg.Store.URI = strings.TrimSpace(os.Getenv("MONGO_URI"))
		if cfg.Store.URI != "" {
			cfg.Store.LegacyEnv = "MONGO_URI"
		}
	}

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("TICKETS_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			cfg.HTTP.Addr = ":" + strings.TrimPrefix(port, ":")
		} else {
			cfg.HTTP.Addr = defaultHTTPAddr
		}
	}
	cfg.HTTP.CORSOrigins = splitList(readString("TICKETS_HTTP_CORS_ORIGINS", "*"))
	cfg.HTTP.RateRPS = readInt("TICKETS_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("TICKETS_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.Metrics = readBool("TICKETS_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("TICKETS_HTTP_ACCESS_LOG", true)
	cfg.HTTP.Pprof = readBool("TICKETS_HTTP_PPROF", false)
	cfg.HTTP.AdminToken = strings.TrimSpace(os.Getenv("TICKETS_ADMIN_TOKEN"))

	cfg.Retention.Raw = readString("TICKETS_RETENTION", defaultRetention)
	if d, err := ParseRetention(cfg.Retention.Raw); err == nil {
		cfg.Retention.Window = d
	}
	cfg.Retention.Cron = readString("TICKETS_SWEEP_CRON", defaultSweepCron)

	cfg.Events.Workers = readInt("TICKETS_EVENT_WORKERS", defaultWorkers)
	cfg.LogLevel = strings.ToLower(readString("TICKETS_LOG_LEVEL", defaultLogLevel))

	return cfg
}

// ParseRetention accepts a whole number of days ("7d") or any Go duration.
func ParseRetention(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid retention %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid retention %q", raw)
	}
	return d, nil
}

// Validate reports every startup-fatal problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" && c.Discord.TokenFile == "" {
		errs = append(errs, errors.New("discord token required (TICKETS_DISCORD_TOKEN, TICKETS_DISCORD_TOKEN_FILE or DISCORD_TOKEN)"))
	}
	if c.Store.URI == "" {
		errs = append(errs, errors.New("store uri required (TICKETS_STORE_URI or MONGO_URI)"))
	}
	strategy, err := classify.ParseStrategy(c.Discord.Strategy)
	if err != nil {
		errs = append(errs, err)
	} else if strategy.Shared() {
		if c.Discord.SupportChannelID == "" {
			errs = append(errs, fmt.Errorf("%s strategy requires TICKETS_SUPPORT_CHANNEL_ID", strategy))
		}
	} else if c.Discord.CategoryID == "" {
		errs = append(errs, errors.New("channel strategy requires TICKETS_CATEGORY_ID (or SUPPORT_CATEGORY_ID)"))
	}
	if c.Retention.Window <= 0 {
		errs = append(errs, fmt.Errorf("invalid retention %q", c.Retention.Raw))
	}
	if !gronx.IsValid(c.Retention.Cron) {
		errs = append(errs, fmt.Errorf("invalid sweep cron %q", c.Retention.Cron))
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func (c Config) PlatformTimeout() time.Duration {
	return time.Duration(c.Discord.PlatformTimeoutMS) * time.Millisecond
}

func (c Config) CloseGrace() time.Duration {
	return time.Duration(c.Discord.CloseGraceMS) * time.Millisecond
}

// SlogLevel maps LogLevel onto slog, falling back to info.
func (c Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) Summary() Summary {
	return Summary{
		Strategy:       c.Discord.Strategy,
		StoreBackend:   storeBackend(c.Store.URI),
		Store:          redactURI(c.Store.URI),
		HTTPAddr:       c.HTTP.Addr,
		Token:          redactString(c.Discord.Token),
		TokenFile:      c.Discord.TokenFile,
		GuildID:        c.Discord.GuildID,
		CategoryID:     c.Discord.CategoryID,
		SupportChannel: c.Discord.SupportChannelID,
		AdminRoleID:    c.Discord.AdminRoleID,
		Retention:      c.Retention.Window.String(),
		SweepCron:      c.Retention.Cron,
		Workers:        c.Events.Workers,
		AdminAPI:       c.HTTP.AdminToken != "",
	}
}

type Summary struct {
	Strategy       string `json:"strategy"`
	StoreBackend   string `json:"store_backend"`
	Store          string `json:"store,omitempty"`
	HTTPAddr       string `json:"http_addr"`
	Token          string `json:"token,omitempty"`
	TokenFile      string `json:"token_file,omitempty"`
	GuildID        string `json:"guild_id,omitempty"`
	CategoryID     string `json:"category_id,omitempty"`
	SupportChannel string `json:"support_channel_id,omitempty"`
	AdminRoleID    string `json:"admin_role_id,omitempty"`
	Retention      string `json:"retention"`
	SweepCron      string `json:"sweep_cron"`
	Workers        int    `json:"workers"`
	AdminAPI       bool   `json:"admin_api"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"discord": map[string]any{
			"token":              redactString(c.Discord.Token),
			"token_file":         c.Discord.TokenFile,
			"legacy_token_env":   c.Discord.LegacyTokenEnv,
			"guild_id":           c.Discord.GuildID,
			"admin_role_id":      c.Discord.AdminRoleID,
			"category_id":        c.Discord.CategoryID,
			"support_channel_id": c.Discord.SupportChannelID,
			"strategy":           c.Discord.Strategy,
			"close_command":      c.Discord.CloseCommand,
			"close_grace_ms":     c.Discord.CloseGraceMS,
			"platform_timeout":   c.Discord.PlatformTimeoutMS,
		},
		"store": map[string]any{
			"backend":    storeBackend(c.Store.URI),
			"uri":        redactURI(c.Store.URI),
			"legacy_env": c.Store.LegacyEnv,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
			"pprof":        c.HTTP.Pprof,
			"admin_token":  redactString(c.HTTP.AdminToken),
		},
		"retention": map[string]any{
			"window": c.Retention.Window.String(),
			"cron":   c.Retention.Cron,
		},
		"events": map[string]any{
			"workers": c.Events.Workers,
		},
		"log_level": c.LogLevel,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// redactURI hides credentials embedded in a connection string.
func redactURI(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactString(raw)
	}
	if u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}

func storeBackend(uri string) string {
	if strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://") {
		return "mongodb"
	}
	if uri == "" {
		return ""
	}
	return "sqlite"
}
