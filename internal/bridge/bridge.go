// Package bridge moves messages between players and the support team:
// player messages go to the ticket channel and the thread store, admin
// messages from Discord are classified and stored for the player.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/you/gnasty-tickets/internal/classify"
	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/discord"
	"github.com/you/gnasty-tickets/internal/eventtrace"
	"github.com/you/gnasty-tickets/internal/metrics"
)

// Store is the thread store surface the bridge needs.
type Store interface {
	AppendMessage(ctx context.Context, playerID string, from core.Sender, text string) (core.Thread, error)
	GetMessages(ctx context.Context, playerID string) ([]core.Message, error)
	HasNewMessages(ctx context.Context, playerID string) (bool, error)
	MarkRead(ctx context.Context, playerID string) error
}

type Registry interface {
	ResolveOrCreate(ctx context.Context, playerID string) (string, error)
	CloseChannel(ctx context.Context, channelID string) error
	Forget(channelID string)
}

type Poster interface {
	SendMessage(ctx context.Context, channelID, content string) (discord.Message, error)
}

type Classifier interface {
	Classify(ctx context.Context, msg discord.Message) (classify.Result, error)
	Strategy() classify.Strategy
}

type Config struct {
	// PlatformTimeout bounds each Discord call made for a request.
	PlatformTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Bridge struct {
	cfg        Config
	store      Store
	registry   Registry
	poster     Poster
	classifier Classifier
	drops      *dropLogger
	now        func() time.Time
}

func New(cfg Config, store Store, registry Registry, poster Poster, classifier Classifier) *Bridge {
	if cfg.PlatformTimeout <= 0 {
		cfg.PlatformTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		poster:     poster,
		classifier: classifier,
		drops:      newDropLogger(time.Now(), readDropDebugEnv(), 0),
		now:        time.Now,
	}
}

// SubmitPlayerMessage relays a player message to the ticket channel and
// appends it to the thread. A post that succeeds followed by a failed append
// is reported as core.ErrPartialDelivery.
func (b *Bridge) SubmitPlayerMessage(ctx context.Context, playerID, text string) error {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return core.Validation("text required")
	}
	id := core.CanonicalPlayerID(playerID)
	content := classify.FormatOutbound(b.classifier.Strategy(), playerID, text)

	channelID, err := b.post(ctx, playerID, content)
	if err != nil {
		return err
	}

	if _, err := b.store.AppendMessage(ctx, playerID, core.SenderPlayer, text); err != nil {
		b.cfg.Metrics.IncStoreErrors("append_player")
		b.cfg.Metrics.IncPartialDeliveries()
		b.cfg.Logger.Error("bridge: message posted but not stored", "player", id, "channel", channelID, "err", err)
		return core.PartialDelivery(id, err)
	}
	b.cfg.Metrics.IncMessagesBridged("outbound")
	return nil
}

// post resolves the channel and sends content, re-resolving once when the
// cached channel turns out to be gone.
func (b *Bridge) post(ctx context.Context, playerID, content string) (string, error) {
	for attempt := 0; ; attempt++ {
		channelID, err := b.registry.ResolveOrCreate(ctx, playerID)
		if err != nil {
			return "", err
		}
		pctx, cancel := context.WithTimeout(ctx, b.cfg.PlatformTimeout)
		_, err = b.poster.SendMessage(pctx, channelID, content)
		cancel()
		if err == nil {
			return channelID, nil
		}
		if attempt == 0 && errors.Is(err, discord.ErrUnknownChannel) {
			b.cfg.Logger.Info("bridge: ticket channel vanished; re-resolving", "player", core.CanonicalPlayerID(playerID), "channel", channelID)
			b.registry.Forget(channelID)
			continue
		}
		return "", err
	}
}

// ReceiveAdminEvent classifies one Discord message and applies it: admin
// replies are stored, control commands close the ticket, anything else is
// dropped.
func (b *Bridge) ReceiveAdminEvent(ctx context.Context, msg discord.Message) error {
	trace := eventtrace.New(msg.ChannelID, msg.ID, msg.Author.ID)
	defer trace.Log(b.cfg.Logger, "bridge: event")

	res, err := b.classifier.Classify(ctx, msg)
	if err != nil {
		trace.Mark(eventtrace.StageFailed, "err", err.Error())
		b.cfg.Metrics.IncEventsDropped("lookup_failed")
		return err
	}
	trace.Mark(eventtrace.StageClassified, "kind", res.Kind.String(), "player", res.PlayerID)
	b.cfg.Metrics.IncEventsClassified(res.Kind.String())

	switch res.Kind {
	case classify.Ignore:
		return nil
	case classify.Unrelated:
		trace.Mark(eventtrace.StageDropped(res.Reason))
		b.cfg.Metrics.IncEventsDropped(res.Reason)
		b.drops.note(b.now(), res.Reason, msg)
		return nil
	case classify.Control:
		if err := b.registry.CloseChannel(ctx, res.ChannelID); err != nil {
			trace.Mark(eventtrace.StageFailed, "err", err.Error())
			return err
		}
		trace.Mark(eventtrace.StageClosed)
		b.cfg.Logger.Info("bridge: ticket closed", "player", res.PlayerID, "channel", res.ChannelID, "by", msg.Author.ID)
		return nil
	case classify.AdminReply:
		if _, err := b.store.AppendMessage(ctx, res.PlayerID, core.SenderAdmin, res.Text); err != nil {
			trace.Mark(eventtrace.StageFailed, "err", err.Error())
			b.cfg.Metrics.IncStoreErrors("append_admin")
			return err
		}
		trace.Mark(eventtrace.StageStored)
		b.cfg.Metrics.IncMessagesBridged("inbound")
		b.cfg.Logger.Info("bridge: admin reply stored", "player", res.PlayerID, "channel", res.ChannelID)
		return nil
	}
	return nil
}

// NotifyUndelivered posts a notice in the event's channel so the sender
// knows to resend. Events that would have been dropped anyway get no notice,
// and the bot's own notices classify as Ignore.
func (b *Bridge) NotifyUndelivered(ctx context.Context, msg discord.Message, cause error) {
	if msg.Author.Bot || msg.ChannelID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PlatformTimeout)
	defer cancel()

	var player string
	if res, err := b.classifier.Classify(ctx, msg); err == nil {
		switch res.Kind {
		case classify.Ignore, classify.Unrelated:
			return
		case classify.Control, classify.AdminReply:
			player = res.PlayerID
		}
	}
	if _, err := b.poster.SendMessage(ctx, msg.ChannelID, undeliveredNotice(msg.Author.ID, player)); err != nil {
		b.cfg.Logger.Error("bridge: undelivered notice failed", "channel", msg.ChannelID, "message", msg.ID, "cause", cause, "err", err)
		return
	}
	b.cfg.Logger.Warn("bridge: sender told to resend", "channel", msg.ChannelID, "message", msg.ID, "player", player, "cause", cause)
}

func undeliveredNotice(authorID, playerID string) string {
	who := "your message"
	if authorID != "" {
		who = fmt.Sprintf("the message from <@%s>", authorID)
	}
	if playerID == "" {
		return fmt.Sprintf("⚠️ Could not process %s. Please resend it.", who)
	}
	return fmt.Sprintf("⚠️ Could not deliver %s to player %s. Please resend it.", who, playerID)
}

// HandleChannelDelete evicts bindings for a channel removed on Discord.
func (b *Bridge) HandleChannelDelete(ch discord.Channel) {
	b.registry.Forget(ch.ID)
}

// FlushDrops writes any pending drop summaries.
func (b *Bridge) FlushDrops() {
	b.drops.flush(b.now())
}

func (b *Bridge) GetMessages(ctx context.Context, playerID string) ([]core.Message, error) {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return nil, err
	}
	return b.store.GetMessages(ctx, playerID)
}

func (b *Bridge) HasNewMessages(ctx context.Context, playerID string) (bool, error) {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return false, err
	}
	return b.store.HasNewMessages(ctx, playerID)
}

func (b *Bridge) MarkRead(ctx context.Context, playerID string) error {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return err
	}
	return b.store.MarkRead(ctx, playerID)
}
