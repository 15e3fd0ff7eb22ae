// Package tickets binds players to Discord channels. A ticket channel is
// named ticket-<lower id> and carries the canonical player ID in its topic,
// so bindings can be rediscovered from the guild after a restart.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/discord"
	"github.com/you/gnasty-tickets/internal/metrics"
)

const (
	namePrefix  = "ticket-"
	topicPrefix = "ticket:"

	ticketPerms = discord.PermViewChannel | discord.PermSendMessages | discord.PermReadMessageHistory
)

// Platform is the part of the Discord REST API the registry uses.
type Platform interface {
	ListChannels(ctx context.Context, guildID string) ([]discord.Channel, error)
	GetChannel(ctx context.Context, channelID string) (discord.Channel, error)
	CreateChannel(ctx context.Context, guildID string, params discord.CreateChannelParams) (discord.Channel, error)
	SendMessage(ctx context.Context, channelID, content string) (discord.Message, error)
	DeleteChannel(ctx context.Context, channelID string) error
}

type Config struct {
	GuildID     string
	CategoryID  string
	AdminRoleID string
	BotUserID   string
	// SharedChannelID switches the registry to shared mode: every player
	// resolves to this channel and nothing is created or closed.
	SharedChannelID string
	// Timeout bounds each platform call made on behalf of a resolution.
	Timeout    time.Duration
	CloseGrace time.Duration
	Metrics    *metrics.Metrics
}

type Registry struct {
	cfg      Config
	platform Platform
	group    singleflight.Group
	after    func(time.Duration) <-chan time.Time

	mu        sync.RWMutex
	byPlayer  map[string]string
	byChannel map[string]string
	// notTicket caches channels known not to be ticket channels.
	notTicket map[string]struct{}
	// closing holds channels whose deletion is pending; they are never
	// returned by resolution.
	closing map[string]struct{}

	pending sync.WaitGroup
}

func New(cfg Config, platform Platform) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CloseGrace < 0 {
		cfg.CloseGrace = 0
	}
	return &Registry{
		cfg:       cfg,
		platform:  platform,
		after:     time.After,
		byPlayer:  make(map[string]string),
		byChannel: make(map[string]string),
		notTicket: make(map[string]struct{}),
		closing:   make(map[string]struct{}),
	}
}

// Shared reports whether the registry runs in shared channel mode.
func (r *Registry) Shared() bool { return r.cfg.SharedChannelID != "" }

// ChannelName derives the channel name for a player.
func ChannelName(playerID string) string {
	return namePrefix + strings.ToLower(core.CanonicalPlayerID(playerID))
}

// ChannelTopic derives the channel topic, which carries the exact canonical ID.
func ChannelTopic(playerID string) string {
	return topicPrefix + core.CanonicalPlayerID(playerID)
}

// PlayerFromChannel reverses the derivation: topic first, then name.
func PlayerFromChannel(ch discord.Channel) (string, bool) {
	if ch.Type != discord.ChannelTypeGuildText {
		return "", false
	}
	if rest, ok := strings.CutPrefix(strings.TrimSpace(ch.Topic), topicPrefix); ok {
		if id := core.CanonicalPlayerID(rest); id != "" && core.ValidatePlayerID(id) == nil {
			return id, true
		}
	}
	if rest, ok := strings.CutPrefix(ch.Name, namePrefix); ok {
		if id := core.CanonicalPlayerID(rest); id != "" && core.ValidatePlayerID(id) == nil {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) inCategory(ch discord.Channel) bool {
	return r.cfg.CategoryID == "" || ch.ParentID == r.cfg.CategoryID
}

// ResolveOrCreate returns the channel bound to playerID, creating it when
// the guild has none. Concurrent calls for one player share a single
// lookup-and-create flight.
func (r *Registry) ResolveOrCreate(ctx context.Context, playerID string) (string, error) {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return "", err
	}
	if r.Shared() {
		r.cfg.Metrics.IncChannelResolution("shared")
		return r.cfg.SharedChannelID, nil
	}
	id := core.CanonicalPlayerID(playerID)
	if ch, ok := r.lookup(id); ok {
		r.cfg.Metrics.IncChannelResolution("cached")
		return ch, nil
	}

	display := strings.TrimSpace(playerID)
	// The flight outlives any single caller so a cancelled request cannot
	// abort a create that other callers are waiting on.
	res := r.group.DoChan(id, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		defer cancel()
		return r.resolveSlow(fctx, id, display)
	})
	select {
	case <-ctx.Done():
		return "", core.PlatformUnavailable("resolve channel", ctx.Err())
	case out := <-res:
		if out.Err != nil {
			return "", out.Err
		}
		return out.Val.(string), nil
	}
}

func (r *Registry) lookup(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byPlayer[id]
	return ch, ok
}

func (r *Registry) bind(id, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byPlayer[id]; ok && old != channelID {
		delete(r.byChannel, old)
	}
	r.byPlayer[id] = channelID
	r.byChannel[channelID] = id
	delete(r.notTicket, channelID)
}

func (r *Registry) resolveSlow(ctx context.Context, id, display string) (string, error) {
	if ch, ok := r.lookup(id); ok {
		return ch, nil
	}

	channels, err := r.platform.ListChannels(ctx, r.cfg.GuildID)
	if err != nil {
		return "", platformErr("list channels", err)
	}
	if ch, ok := r.pick(id, channels); ok {
		r.bind(id, ch)
		r.cfg.Metrics.IncChannelResolution("found")
		return ch, nil
	}

	overwrites := []discord.Overwrite{discord.DenyRole(r.cfg.GuildID, discord.PermViewChannel)}
	if r.cfg.AdminRoleID != "" {
		overwrites = append(overwrites, discord.AllowRole(r.cfg.AdminRoleID, ticketPerms))
	}
	if r.cfg.BotUserID != "" {
		overwrites = append(overwrites, discord.AllowMember(r.cfg.BotUserID, ticketPerms))
	}
	created, err := r.platform.CreateChannel(ctx, r.cfg.GuildID, discord.CreateChannelParams{
		Name:                 ChannelName(id),
		Type:                 discord.ChannelTypeGuildText,
		Topic:                ChannelTopic(id),
		ParentID:             r.cfg.CategoryID,
		PermissionOverwrites: overwrites,
	})
	if err != nil {
		return "", platformErr("create channel", err)
	}
	r.bind(id, created.ID)
	r.cfg.Metrics.IncChannelResolution("created")
	slog.Info("tickets: channel created", "player", id, "channel", created.ID)

	if _, err := r.platform.SendMessage(ctx, created.ID, fmt.Sprintf("🎟️ New ticket from **%s**", display)); err != nil {
		slog.Warn("tickets: ticket announcement failed", "channel", created.ID, "err", err)
	}
	return created.ID, nil
}

// pick selects the oldest matching channel and reports any extras.
func (r *Registry) pick(id string, channels []discord.Channel) (string, bool) {
	r.mu.RLock()
	closing := make(map[string]struct{}, len(r.closing))
	for k := range r.closing {
		closing[k] = struct{}{}
	}
	r.mu.RUnlock()

	var matches []string
	for _, ch := range channels {
		if _, skip := closing[ch.ID]; skip || !r.inCategory(ch) {
			continue
		}
		if pid, ok := PlayerFromChannel(ch); ok && pid == id {
			matches = append(matches, ch.ID)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if discord.SnowflakeLess(m, best) {
			best = m
		}
	}
	if len(matches) > 1 {
		r.cfg.Metrics.IncDuplicateChannels()
		slog.Warn("tickets: player bound to several channels; using oldest",
			"player", id, "channel", best, "matches", matches, "err", core.ErrDuplicateChannel)
	}
	return best, true
}

// Rediscover loads every ticket channel in the guild into the cache.
func (r *Registry) Rediscover(ctx context.Context) (int, error) {
	if r.Shared() {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	channels, err := r.platform.ListChannels(ctx, r.cfg.GuildID)
	if err != nil {
		return 0, platformErr("list channels", err)
	}
	seen := make(map[string]struct{})
	for _, ch := range channels {
		if !r.inCategory(ch) {
			continue
		}
		id, ok := PlayerFromChannel(ch)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if best, ok := r.pick(id, channels); ok {
			r.bind(id, best)
		}
	}
	return len(seen), nil
}

// PlayerForChannel maps a channel back to its player. Channels outside the
// ticket category or without a ticket name resolve to false.
func (r *Registry) PlayerForChannel(ctx context.Context, channelID string) (string, bool, error) {
	if r.Shared() || channelID == "" {
		return "", false, nil
	}
	r.mu.RLock()
	id, ok := r.byChannel[channelID]
	_, negative := r.notTicket[channelID]
	_, closing := r.closing[channelID]
	r.mu.RUnlock()
	switch {
	case closing:
		return "", false, nil
	case ok:
		return id, true, nil
	case negative:
		return "", false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	ch, err := r.platform.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, discord.ErrUnknownChannel) {
			return "", false, nil
		}
		return "", false, platformErr("get channel", err)
	}
	id, ok = PlayerFromChannel(ch)
	if !ok || !r.inCategory(ch) {
		r.mu.Lock()
		r.notTicket[channelID] = struct{}{}
		r.mu.Unlock()
		return "", false, nil
	}
	if current, bound := r.lookup(id); bound && current != channelID {
		// Another channel already serves this player; keep the older one.
		if discord.SnowflakeLess(current, channelID) {
			r.cfg.Metrics.IncDuplicateChannels()
			slog.Warn("tickets: message in duplicate ticket channel", "player", id, "channel", channelID, "bound", current)
			return id, true, nil
		}
	}
	r.bind(id, channelID)
	return id, true, nil
}

// Forget drops any binding to channelID, e.g. after the channel was deleted.
func (r *Registry) Forget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byChannel[channelID]; ok {
		if r.byPlayer[id] == channelID {
			delete(r.byPlayer, id)
		}
		delete(r.byChannel, channelID)
		slog.Info("tickets: binding evicted", "player", id, "channel", channelID)
	}
	delete(r.notTicket, channelID)
}

// CloseChannel posts a closing notice and deletes the channel after the
// grace delay. The binding is dropped immediately so new player messages
// open a fresh ticket. Deletion runs in the background; Wait blocks until
// pending deletions finish.
func (r *Registry) CloseChannel(ctx context.Context, channelID string) error {
	if r.Shared() && channelID == r.cfg.SharedChannelID {
		return core.Validation("shared support channel cannot be closed")
	}
	r.mu.Lock()
	if _, dup := r.closing[channelID]; dup {
		r.mu.Unlock()
		return nil
	}
	r.closing[channelID] = struct{}{}
	r.mu.Unlock()
	r.Forget(channelID)

	nctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	notice := fmt.Sprintf("✅ Ticket closed. This channel will be deleted in %s...", graceText(r.cfg.CloseGrace))
	_, err := r.platform.SendMessage(nctx, channelID, notice)
	cancel()
	if err != nil {
		slog.Warn("tickets: close notice failed", "channel", channelID, "err", err)
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		<-r.after(r.cfg.CloseGrace)
		dctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		err := r.platform.DeleteChannel(dctx, channelID)
		r.mu.Lock()
		delete(r.closing, channelID)
		r.mu.Unlock()
		switch {
		case err == nil:
			r.cfg.Metrics.IncChannelClosed("deleted")
			slog.Info("tickets: channel deleted", "channel", channelID)
		case errors.Is(err, discord.ErrUnknownChannel):
			r.cfg.Metrics.IncChannelClosed("already_gone")
		default:
			r.cfg.Metrics.IncChannelClosed("error")
			slog.Error("tickets: channel delete failed", "channel", channelID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until scheduled channel deletions have run.
func (r *Registry) Wait() { r.pending.Wait() }

func graceText(d time.Duration) string {
	if d%time.Second == 0 {
		secs := int(d / time.Second)
		if secs == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	}
	return d.String()
}

func platformErr(op string, err error) error {
	var kinded *core.Error
	if errors.As(err, &kinded) {
		return err
	}
	return core.PlatformUnavailable(op, err)
}
