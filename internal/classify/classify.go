// Package classify decides what an inbound Discord message means for the
// ticket system: an admin reply for some player, a control command, or
// nothing at all.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/discord"
)

type Kind int

const (
	Unrelated Kind = iota
	Ignore
	Control
	AdminReply
)

func (k Kind) String() string {
	switch k {
	case Ignore:
		return "ignore"
	case Control:
		return "control"
	case AdminReply:
		return "admin_reply"
	default:
		return "unrelated"
	}
}

// Strategy selects how admin replies are attributed to players.
type Strategy string

const (
	// StrategyChannel: every player has a dedicated ticket channel.
	StrategyChannel Strategy = "channel"
	// StrategyReply: one shared channel; admins reply to the bot's relayed
	// message, which carries a [player:ID] marker.
	StrategyReply Strategy = "reply"
	// StrategyPrefix: one shared channel; admins write "ID: body".
	StrategyPrefix Strategy = "prefix"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyChannel:
		return StrategyChannel, nil
	case StrategyReply:
		return StrategyReply, nil
	case StrategyPrefix:
		return StrategyPrefix, nil
	}
	return "", fmt.Errorf("unknown resolve strategy %q (want channel, reply or prefix)", s)
}

// Shared reports whether the strategy relays every player through one channel.
func (s Strategy) Shared() bool { return s == StrategyReply || s == StrategyPrefix }

// Drop reasons reported for Unrelated results.
const (
	ReasonEmpty              = "empty"
	ReasonNotTicketChannel   = "not_ticket_channel"
	ReasonOutsideSupport     = "outside_support_channel"
	ReasonCommandNotInTicket = "control_outside_ticket"
	ReasonNoReference        = "no_reply_reference"
	ReasonReferenceMissing   = "reference_unavailable"
	ReasonNoMarker           = "no_player_marker"
	ReasonMalformedPrefix    = "malformed_prefix"
	ReasonEmptyBody          = "empty_body"
)

type Result struct {
	Kind      Kind
	PlayerID  string
	ChannelID string
	Text      string
	Reason    string
}

// Channels maps a channel to its bound player.
type Channels interface {
	PlayerForChannel(ctx context.Context, channelID string) (string, bool, error)
}

// Messages fetches a referenced message when the event did not embed it.
type Messages interface {
	GetMessage(ctx context.Context, channelID, messageID string) (discord.Message, error)
}

type Config struct {
	Strategy     Strategy
	CloseCommand string
	// SupportChannelID restricts shared strategies to one channel.
	SupportChannelID string
	// SelfID returns the bot's own user ID once known.
	SelfID func() string
}

type Classifier struct {
	cfg      Config
	channels Channels
	messages Messages
}

func New(cfg Config, channels Channels, messages Messages) *Classifier {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyChannel
	}
	if strings.TrimSpace(cfg.CloseCommand) == "" {
		cfg.CloseCommand = "!close"
	}
	return &Classifier{cfg: cfg, channels: channels, messages: messages}
}

func (c *Classifier) Strategy() Strategy { return c.cfg.Strategy }

// Classify never fails on malformed input; an error means a lookup the
// decision depends on could not be made.
func (c *Classifier) Classify(ctx context.Context, msg discord.Message) (Result, error) {
	res := Result{ChannelID: msg.ChannelID}
	if msg.Author.Bot || (c.cfg.SelfID != nil && msg.Author.ID != "" && msg.Author.ID == c.cfg.SelfID()) {
		res.Kind = Ignore
		return res, nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return unrelated(res, ReasonEmpty), nil
	}

	switch c.cfg.Strategy {
	case StrategyReply, StrategyPrefix:
		if c.cfg.SupportChannelID != "" && msg.ChannelID != c.cfg.SupportChannelID {
			return unrelated(res, ReasonOutsideSupport), nil
		}
		if c.isCommand(text) {
			return unrelated(res, ReasonCommandNotInTicket), nil
		}
		if c.cfg.Strategy == StrategyReply {
			return c.byReply(ctx, msg, res, text)
		}
		return byPrefix(res, text), nil
	default:
		return c.byChannel(ctx, msg, res, text)
	}
}

func (c *Classifier) byChannel(ctx context.Context, msg discord.Message, res Result, text string) (Result, error) {
	playerID, ok, err := c.channels.PlayerForChannel(ctx, msg.ChannelID)
	if err != nil {
		return res, err
	}
	if !ok {
		return unrelated(res, ReasonNotTicketChannel), nil
	}
	res.PlayerID = playerID
	if c.isCommand(text) {
		res.Kind = Control
		return res, nil
	}
	res.Kind = AdminReply
	res.Text = text
	return res, nil
}

func (c *Classifier) byReply(ctx context.Context, msg discord.Message, res Result, text string) (Result, error) {
	ref := msg.ReferencedMessage
	if ref == nil {
		if msg.MessageReference == nil || msg.MessageReference.MessageID == "" || c.messages == nil {
			return unrelated(res, ReasonNoReference), nil
		}
		channelID := msg.MessageReference.ChannelID
		if channelID == "" {
			channelID = msg.ChannelID
		}
		fetched, err := c.messages.GetMessage(ctx, channelID, msg.MessageReference.MessageID)
		if errors.Is(err, core.ErrNotFound) {
			return unrelated(res, ReasonReferenceMissing), nil
		}
		if err != nil {
			return res, err
		}
		ref = &fetched
	}
	playerID, ok := ExtractMarker(ref.Content)
	if !ok {
		return unrelated(res, ReasonNoMarker), nil
	}
	res.Kind = AdminReply
	res.PlayerID = playerID
	res.Text = text
	return res, nil
}

func byPrefix(res Result, text string) Result {
	playerID, body, ok := ParsePrefix(text)
	if !ok {
		return unrelated(res, ReasonMalformedPrefix)
	}
	if body == "" {
		return unrelated(res, ReasonEmptyBody)
	}
	res.Kind = AdminReply
	res.PlayerID = playerID
	res.Text = body
	return res
}

func (c *Classifier) isCommand(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && strings.EqualFold(fields[0], c.cfg.CloseCommand)
}

func unrelated(res Result, reason string) Result {
	res.Kind = Unrelated
	res.Reason = reason
	return res
}

const (
	markerOpen  = "[player:"
	markerClose = "]"
)

// Marker embeds a recoverable player ID in relayed text.
func Marker(playerID string) string {
	return markerOpen + strings.TrimSpace(playerID) + markerClose
}

// ExtractMarker returns the canonical player ID of the first marker in text.
func ExtractMarker(text string) (string, bool) {
	start := strings.Index(text, markerOpen)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(markerOpen):]
	end := strings.Index(rest, markerClose)
	if end < 0 {
		return "", false
	}
	raw := rest[:end]
	if core.ValidatePlayerID(raw) != nil {
		return "", false
	}
	return core.CanonicalPlayerID(raw), true
}

// ParsePrefix splits "ID: body" on the first colon followed by a space. A
// bare "ID:" parses with an empty body. The ID itself may not contain a
// colon, so URLs and times in ordinary chatter are not read as prefixes.
func ParsePrefix(text string) (playerID, body string, ok bool) {
	text = strings.TrimSpace(text)
	head, tail, found := strings.Cut(text, ": ")
	if !found {
		if !strings.HasSuffix(text, ":") {
			return "", "", false
		}
		head, tail = strings.TrimSuffix(text, ":"), ""
	}
	if strings.Contains(head, ":") || core.ValidatePlayerID(head) != nil {
		return "", "", false
	}
	return core.CanonicalPlayerID(head), strings.TrimSpace(tail), true
}

// FormatOutbound renders a player message for the ticket channel. Shared
// strategies embed the ID in a form the classifier can recover.
func FormatOutbound(s Strategy, displayID, text string) string {
	displayID = strings.TrimSpace(displayID)
	switch s {
	case StrategyReply:
		return fmt.Sprintf("💬 %s %s", Marker(displayID), text)
	case StrategyPrefix:
		return fmt.Sprintf("💬 %s: %s", displayID, text)
	default:
		return fmt.Sprintf("💬 **%s**: %s", displayID, text)
	}
}
