// Command devapi serves the player HTTP API against an in-memory Discord so
// game clients can be developed without a bot token. Admin replies are
// injected with POST /dev/admin-reply.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/you/gnasty-tickets/internal/bridge"
	"github.com/you/gnasty-tickets/internal/classify"
	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/discord"
	"github.com/you/gnasty-tickets/internal/discord/discordtest"
	"github.com/you/gnasty-tickets/internal/httpapi"
	"github.com/you/gnasty-tickets/internal/metrics"
	"github.com/you/gnasty-tickets/internal/threadstore"
	"github.com/you/gnasty-tickets/internal/tickets"
)

const (
	devGuildID    = "100"
	devCategoryID = "200"
	devAdminRole  = "300"
)

var devAdmin = discord.User{ID: "42", Username: "support-dev"}

type adminReplyReq struct {
	PlayerID string `json:"playerId"`
	Text     string `json:"text"`
	Author   string `json:"author,omitempty"`
}

type devServer struct {
	platform *discordtest.Platform
	registry *tickets.Registry
	bridge   *bridge.Bridge
	strategy classify.Strategy
	shared   string
}

func main() {
	var (
		addr     string
		dbPath   string
		strategy string
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&dbPath, "db", "devapi.db", "SQLite database path")
	flag.StringVar(&strategy, "strategy", "channel", "Inbound resolution strategy: channel, reply or prefix")
	flag.Parse()

	strat, err := classify.ParseStrategy(strategy)
	if err != nil {
		log.Fatalf("devapi: %v", err)
	}

	ctx := context.Background()
	store, err := threadstore.OpenSQLite(ctx, dbPath)
	if err != nil {
		log.Fatalf("devapi: open sqlite: %v", err)
	}
	defer store.Close(ctx)
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("devapi: ping: %v", err)
	}

	platform := discordtest.New(devGuildID)
	regCfg := tickets.Config{
		GuildID:     devGuildID,
		CategoryID:  devCategoryID,
		AdminRoleID: devAdminRole,
		BotUserID:   discordtest.BotUser.ID,
		Timeout:     time.Second,
		CloseGrace:  time.Second,
	}
	if strat.Shared() {
		support := platform.AddChannel(discord.Channel{Name: "support", Type: discord.ChannelTypeGuildText})
		regCfg.SharedChannelID = support.ID
	}
	registry := tickets.New(regCfg, platform)
	classifier := classify.New(classify.Config{
		Strategy:         strat,
		SupportChannelID: regCfg.SharedChannelID,
		SelfID:           func() string { return discordtest.BotUser.ID },
	}, registry, platform)
	m := metrics.New()
	b := bridge.New(bridge.Config{PlatformTimeout: time.Second, Metrics: m}, store, registry, platform, classifier)

	dev := &devServer{platform: platform, registry: registry, bridge: b, strategy: strat, shared: regCfg.SharedChannelID}

	api := httpapi.New(b, httpapi.Options{
		Addr:            addr,
		CORSOrigins:     []string{"*"},
		EnableMetrics:   true,
		EnableAccessLog: true,
		Build:           httpapi.CurrentBuild(),
		Metrics:         m,
		Health:          store.Ping,
	})
	api.HandleFunc("POST /dev/admin-reply", dev.handleAdminReply)
	api.HandleFunc("GET /dev/channels", dev.handleChannels)
	api.HandleFunc("GET /dev/channels/{id}/messages", dev.handleChannelMessages)

	log.Printf("devapi listening on %s (db=%s strategy=%s)", addr, dbPath, strat)
	if err := api.Start(); err != nil {
		log.Fatal(err)
	}
}

// handleAdminReply posts text as a support admin would for the given
// strategy and feeds the resulting event through the bridge.
func (d *devServer) handleAdminReply(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req adminReplyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := core.ValidatePlayerID(req.PlayerID); err != nil || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "playerId, text required", http.StatusBadRequest)
		return
	}
	author := devAdmin
	if req.Author != "" {
		author.Username = req.Author
	}

	channelID, content, replyTo, err := d.compose(r.Context(), req)
	if err != nil {
		http.Error(w, "resolve failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	msg, err := d.platform.Post(channelID, author, content, replyTo)
	if err != nil {
		http.Error(w, "post failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := d.bridge.ReceiveAdminEvent(r.Context(), msg); err != nil {
		http.Error(w, "bridge failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channelId": channelID, "messageId": msg.ID})
}

func (d *devServer) compose(ctx context.Context, req adminReplyReq) (channelID, content, replyTo string, err error) {
	switch d.strategy {
	case classify.StrategyPrefix:
		return d.shared, req.PlayerID + ": " + req.Text, "", nil
	case classify.StrategyReply:
		marker := strings.ToUpper(classify.Marker(req.PlayerID))
		msgs := d.platform.Messages(d.shared)
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Author.ID == discordtest.BotUser.ID && strings.Contains(strings.ToUpper(msgs[i].Content), marker) {
				replyTo = msgs[i].ID
				break
			}
		}
		return d.shared, req.Text, replyTo, nil
	default:
		channelID, err = d.registry.ResolveOrCreate(ctx, req.PlayerID)
		return channelID, req.Text, "", err
	}
}

func (d *devServer) handleChannels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.platform.Channels())
}

func (d *devServer) handleChannelMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	msgs := d.platform.Messages(r.PathValue("id"))
	if msgs == nil {
		msgs = []discord.Message{}
	}
	_ = json.NewEncoder(w).Encode(msgs)
}
