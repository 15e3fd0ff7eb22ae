// Package discordtest provides an in-memory stand-in for the Discord REST
// API, used by tests and by the devapi server.
package discordtest

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/gnasty-tickets/internal/core"
	"github.com/you/gnasty-tickets/internal/discord"
)

// BotUser is the identity the fake platform posts as.
var BotUser = discord.User{ID: "1", Username: "ticketbot", Bot: true}

type Platform struct {
	GuildID string

	// CreateDelay widens the window between the existence check and the
	// create so concurrent resolution races are observable.
	CreateDelay time.Duration

	mu       sync.Mutex
	nextID   uint64
	channels map[string]discord.Channel
	messages map[string][]discord.Message
	failures map[string]error

	creates atomic.Int32
	deletes atomic.Int32
}

func New(guildID string) *Platform {
	return &Platform{
		GuildID:  guildID,
		nextID:   1000,
		channels: make(map[string]discord.Channel),
		messages: make(map[string][]discord.Message),
		failures: make(map[string]error),
	}
}

func (p *Platform) id() string {
	p.nextID++
	return strconv.FormatUint(p.nextID, 10)
}

// FailNext makes the next call of op ("create", "send", "delete", "list",
// "get") return err.
func (p *Platform) FailNext(op string, err error) {
	p.mu.Lock()
	p.failures[op] = err
	p.mu.Unlock()
}

func (p *Platform) takeFailure(op string) error {
	err := p.failures[op]
	delete(p.failures, op)
	return err
}

// AddChannel seeds a channel as if it had been created earlier.
func (p *Platform) AddChannel(ch discord.Channel) discord.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.ID == "" {
		ch.ID = p.id()
	}
	if ch.GuildID == "" {
		ch.GuildID = p.GuildID
	}
	p.channels[ch.ID] = ch
	return ch
}

// RemoveChannel deletes a channel behind the caller's back.
func (p *Platform) RemoveChannel(id string) {
	p.mu.Lock()
	delete(p.channels, id)
	delete(p.messages, id)
	p.mu.Unlock()
}

func (p *Platform) Channels() []discord.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]discord.Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return discord.SnowflakeLess(out[i].ID, out[j].ID) })
	return out
}

func (p *Platform) Messages(channelID string) []discord.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]discord.Message(nil), p.messages[channelID]...)
}

func (p *Platform) CreateCount() int { return int(p.creates.Load()) }
func (p *Platform) DeleteCount() int { return int(p.deletes.Load()) }

// Post records a message authored by someone other than the bot, such as an
// admin typing in a ticket channel, and returns it as the gateway would
// deliver it.
func (p *Platform) Post(channelID string, author discord.User, content string, replyTo string) (discord.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[channelID]; !ok {
		return discord.Message{}, unknownChannel("post")
	}
	msg := discord.Message{
		ID:        p.id(),
		ChannelID: channelID,
		GuildID:   p.GuildID,
		Author:    author,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if replyTo != "" {
		msg.MessageReference = &discord.MessageReference{MessageID: replyTo, ChannelID: channelID}
		for _, prev := range p.messages[channelID] {
			if prev.ID == replyTo {
				ref := prev
				msg.ReferencedMessage = &ref
				break
			}
		}
	}
	p.messages[channelID] = append(p.messages[channelID], msg)
	return msg, nil
}

func (p *Platform) ListChannels(ctx context.Context, guildID string) ([]discord.Channel, error) {
	p.mu.Lock()
	err := p.takeFailure("list")
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []discord.Channel
	for _, ch := range p.Channels() {
		if ch.GuildID == guildID {
			out = append(out, ch)
		}
	}
	return out, ctx.Err()
}

func (p *Platform) GetChannel(ctx context.Context, channelID string) (discord.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get"); err != nil {
		return discord.Channel{}, err
	}
	ch, ok := p.channels[channelID]
	if !ok {
		return discord.Channel{}, unknownChannel("get channel")
	}
	return ch, ctx.Err()
}

func (p *Platform) CreateChannel(ctx context.Context, guildID string, params discord.CreateChannelParams) (discord.Channel, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return discord.Channel{}, core.PlatformUnavailable("create channel", ctx.Err())
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("create"); err != nil {
		return discord.Channel{}, err
	}
	p.creates.Add(1)
	ch := discord.Channel{
		ID:                   p.id(),
		Type:                 params.Type,
		GuildID:              guildID,
		Name:                 params.Name,
		Topic:                params.Topic,
		ParentID:             params.ParentID,
		PermissionOverwrites: params.PermissionOverwrites,
	}
	p.channels[ch.ID] = ch
	return ch, nil
}

func (p *Platform) SendMessage(ctx context.Context, channelID, content string) (discord.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("send"); err != nil {
		return discord.Message{}, err
	}
	if _, ok := p.channels[channelID]; !ok {
		return discord.Message{}, unknownChannel("send message")
	}
	msg := discord.Message{
		ID:        p.id(),
		ChannelID: channelID,
		GuildID:   p.GuildID,
		Author:    BotUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	p.messages[channelID] = append(p.messages[channelID], msg)
	return msg, ctx.Err()
}

func (p *Platform) GetMessage(ctx context.Context, channelID, messageID string) (discord.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range p.messages[channelID] {
		if msg.ID == messageID {
			return msg, ctx.Err()
		}
	}
	return discord.Message{}, &core.Error{Kind: core.ErrNotFound, Op: "get message",
		Err: &discord.APIError{Status: http.StatusNotFound, Code: discord.CodeUnknownMessage, Message: "Unknown Message"}}
}

func (p *Platform) DeleteChannel(ctx context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("delete"); err != nil {
		return err
	}
	if _, ok := p.channels[channelID]; !ok {
		return unknownChannel("delete channel")
	}
	p.deletes.Add(1)
	delete(p.channels, channelID)
	delete(p.messages, channelID)
	return ctx.Err()
}

func unknownChannel(op string) error {
	return &core.Error{Kind: core.ErrNotFound, Op: op,
		Err: &discord.APIError{Status: http.StatusNotFound, Code: discord.CodeUnknownChannel, Message: "Unknown Channel"}}
}
