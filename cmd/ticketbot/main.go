package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/you/gnasty-tickets/internal/bridge"
	"github.com/you/gnasty-tickets/internal/classify"
	"github.com/you/gnasty-tickets/internal/config"
	"github.com/you/gnasty-tickets/internal/credentials"
	"github.com/you/gnasty-tickets/internal/discord"
	httpadmin "github.com/you/gnasty-tickets/internal/http"
	"github.com/you/gnasty-tickets/internal/httpapi"
	"github.com/you/gnasty-tickets/internal/metrics"
	"github.com/you/gnasty-tickets/internal/retention"
	"github.com/you/gnasty-tickets/internal/supervisor"
	"github.com/you/gnasty-tickets/internal/threadstore"
	"github.com/you/gnasty-tickets/internal/tickets"
	"github.com/you/gnasty-tickets/internal/version"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	housekeeping    = 15 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		envFile     string
		storeURI    string
		httpAddr    string
		strategy    string
		tokenFile   string
		guildID     string
		logLevel    string
		httpPprof   bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flag.StringVar(&storeURI, "store", "", "Thread store URI (mongodb://..., sqlite:<path> or a file path)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (e.g., :3000)")
	flag.StringVar(&strategy, "strategy", "", "Inbound resolution strategy: channel, reply or prefix")
	flag.StringVar(&tokenFile, "discord-token-file", "", "Path to file containing the Discord bot token")
	flag.StringVar(&guildID, "guild", "", "Discord guild ID (defaults to the bot's first guild)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.BoolVar(&httpPprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"ticketbot version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ticketbot: load %s: %v", envFile, err)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["store"] {
		cfg.Store.URI = strings.TrimSpace(storeURI)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["strategy"] {
		cfg.Discord.Strategy = strings.ToLower(strings.TrimSpace(strategy))
	}
	if overrides["discord-token-file"] {
		cfg.Discord.TokenFile = strings.TrimSpace(tokenFile)
	}
	if overrides["guild"] {
		cfg.Discord.GuildID = strings.TrimSpace(guildID)
	}
	if overrides["log-level"] {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(logLevel))
	}
	if overrides["http-pprof"] {
		cfg.HTTP.Pprof = httpPprof
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("ticketbot: invalid configuration: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	if cfg.Discord.LegacyTokenEnv != "" || cfg.Store.LegacyEnv != "" {
		log.Printf("ticketbot: using legacy environment names (token=%q store=%q); prefer TICKETS_*", cfg.Discord.LegacyTokenEnv, cfg.Store.LegacyEnv)
	}
	log.Printf("%s", cfg.SummaryJSON())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("ticketbot: %v", err)
	}
	log.Printf("ticketbot: shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	token, err := credentials.Resolve(cfg.Discord.Token, cfg.Discord.TokenFile)
	if err != nil {
		return fmt.Errorf("discord token: %w", err)
	}
	source := credentials.NewSource(token)
	m := metrics.New()

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	store, err := threadstore.Open(startCtx, cfg.Store.URI)
	if err != nil {
		return fmt.Errorf("open %s store: %w", threadstore.Backend(cfg.Store.URI), err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Printf("ticketbot: closing store: %v", err)
		}
	}()
	if err := store.Ping(startCtx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	log.Printf("ticketbot: %s store ready", threadstore.Backend(cfg.Store.URI))

	rest := discord.NewClient(discord.ClientConfig{
		TokenProvider: source.Token,
		Timeout:       cfg.PlatformTimeout(),
	})
	self, err := rest.CurrentUser(startCtx)
	if err != nil {
		return fmt.Errorf("discord login: %w", err)
	}
	guildID := cfg.Discord.GuildID
	if guildID == "" {
		guild, err := rest.FirstGuild(startCtx)
		if err != nil {
			return fmt.Errorf("discord guild: %w", err)
		}
		guildID = guild.ID
		log.Printf("ticketbot: using guild %s (%s)", guild.Name, guild.ID)
	}

	strat, err := classify.ParseStrategy(cfg.Discord.Strategy)
	if err != nil {
		return err
	}
	regCfg := tickets.Config{
		GuildID:     guildID,
		CategoryID:  cfg.Discord.CategoryID,
		AdminRoleID: cfg.Discord.AdminRoleID,
		BotUserID:   self.ID,
		Timeout:     cfg.PlatformTimeout(),
		CloseGrace:  cfg.CloseGrace(),
		Metrics:     m,
	}
	if strat.Shared() {
		regCfg.SharedChannelID = cfg.Discord.SupportChannelID
	}
	registry := tickets.New(regCfg, rest)
	if !registry.Shared() {
		n, err := registry.Rediscover(startCtx)
		if err != nil {
			log.Printf("ticketbot: rediscover ticket channels: %v", err)
		} else {
			log.Printf("ticketbot: rediscovered %d ticket channels", n)
		}
	}

	var gw *discord.Gateway
	selfID := func() string {
		if gw != nil {
			if u := gw.Self(); u.ID != "" {
				return u.ID
			}
		}
		return self.ID
	}
	classifier := classify.New(classify.Config{
		Strategy:         strat,
		CloseCommand:     cfg.Discord.CloseCommand,
		SupportChannelID: cfg.Discord.SupportChannelID,
		SelfID:           selfID,
	}, registry, rest)

	b := bridge.New(bridge.Config{PlatformTimeout: cfg.PlatformTimeout(), Metrics: m}, store, registry, rest, classifier)
	disp := bridge.NewDispatcher(bridge.DispatcherConfig{
		Workers:     cfg.Events.Workers,
		ShardKey:    bridge.ShardKeyFor(strat),
		Undelivered: b.NotifyUndelivered,
		Metrics:     m,
	}, b.ReceiveAdminEvent)

	gw = discord.NewGateway(discord.GatewayConfig{TokenProvider: source.Token}, discord.Handlers{
		Ready: func(u discord.User) {
			m.SetGatewayConnected(true)
			log.Printf("discord: logged in as %s (%s)", u.Username, u.ID)
		},
		MessageCreate: func(msg discord.Message) {
			disp.Submit(msg)
		},
		ChannelDelete: b.HandleChannelDelete,
	})

	sup := supervisor.New(cfg.Discord.TokenFile, source, gw)
	if cfg.Discord.TokenFile != "" {
		if err := sup.WatchTokenFiles(ctx, cfg.Discord.TokenFile); err != nil {
			slog.Error("ticketbot: watch token file", "err", err)
		}
	}

	sweeper, err := retention.New(retention.Config{
		Cron:       cfg.Retention.Cron,
		Retention:  cfg.Retention.Window,
		RunTimeout: 10 * time.Minute,
		Metrics:    m,
	}, store)
	if err != nil {
		return err
	}

	api := httpapi.New(b, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		RateLimitRPS:    cfg.HTTP.RateRPS,
		RateLimitBurst:  cfg.HTTP.RateBurst,
		EnableMetrics:   cfg.HTTP.Metrics,
		EnableAccessLog: cfg.HTTP.AccessLog,
		EnablePprof:     cfg.HTTP.Pprof,
		Build:           httpapi.CurrentBuild(),
		ConfigSnapshot:  cfg.Redacted(),
		Metrics:         m,
		Health:          store.Ping,
	})
	httpadmin.New(sup, sweeper, cfg.HTTP.AdminToken).Register(api)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Start() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("ticketbot: http api shutdown: %v", err)
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(gw.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(disp.Run(gctx)) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(housekeeping)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.SetGatewayConnected(gw.Connected())
				b.FlushDrops()
			}
		}
	})
	log.Printf("ticketbot: ready (strategy=%s guild=%s http=%s)", strat, guildID, cfg.HTTP.Addr)

	err = g.Wait()

	waitPending(registry, cfg.CloseGrace()+shutdownTimeout)
	b.FlushDrops()
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitPending gives delayed channel deletions a bounded chance to finish.
func waitPending(r *tickets.Registry, limit time.Duration) {
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		log.Printf("ticketbot: pending channel deletions abandoned at shutdown")
	}
}
