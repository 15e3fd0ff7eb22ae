// Package discord is a small Discord client covering what the ticket bot
// needs: guild channel management, message posting and the gateway events
// that carry admin replies.
package discord

import (
	"strconv"
	"time"
)

const (
	ChannelTypeGuildText     = 0
	ChannelTypeGuildCategory = 4
)

// Permission bits used for ticket channel overwrites.
const (
	PermViewChannel        int64 = 1 << 10
	PermSendMessages       int64 = 1 << 11
	PermReadMessageHistory int64 = 1 << 16
)

const (
	OverwriteRole   = 0
	OverwriteMember = 1
)

// Gateway intents: guild channel events, guild messages and their content.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMessages  = 1 << 9
	IntentMessageContent = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMessages | IntentMessageContent
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Overwrite is a permission overwrite. Allow and Deny are decimal bit sets
// encoded as strings, as the API expects.
type Overwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Allow string `json:"allow"`
	Deny  string `json:"deny"`
}

func AllowRole(id string, perms int64) Overwrite {
	return Overwrite{ID: id, Type: OverwriteRole, Allow: strconv.FormatInt(perms, 10), Deny: "0"}
}

func DenyRole(id string, perms int64) Overwrite {
	return Overwrite{ID: id, Type: OverwriteRole, Allow: "0", Deny: strconv.FormatInt(perms, 10)}
}

func AllowMember(id string, perms int64) Overwrite {
	return Overwrite{ID: id, Type: OverwriteMember, Allow: strconv.FormatInt(perms, 10), Deny: "0"}
}

type Channel struct {
	ID                   string      `json:"id"`
	Type                 int         `json:"type"`
	GuildID              string      `json:"guild_id,omitempty"`
	Name                 string      `json:"name"`
	Topic                string      `json:"topic,omitempty"`
	ParentID             string      `json:"parent_id,omitempty"`
	PermissionOverwrites []Overwrite `json:"permission_overwrites,omitempty"`
}

type CreateChannelParams struct {
	Name                 string      `json:"name"`
	Type                 int         `json:"type"`
	Topic                string      `json:"topic,omitempty"`
	ParentID             string      `json:"parent_id,omitempty"`
	PermissionOverwrites []Overwrite `json:"permission_overwrites,omitempty"`
}

type MessageReference struct {
	MessageID string `json:"message_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
}

type Message struct {
	ID                string            `json:"id"`
	ChannelID         string            `json:"channel_id"`
	GuildID           string            `json:"guild_id,omitempty"`
	Author            User              `json:"author"`
	Content           string            `json:"content"`
	Timestamp         time.Time         `json:"timestamp"`
	MessageReference  *MessageReference `json:"message_reference,omitempty"`
	ReferencedMessage *Message          `json:"referenced_message,omitempty"`
}

// SnowflakeLess orders two snowflake IDs by creation time.
func SnowflakeLess(a, b string) bool {
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	if aerr != nil || berr != nil {
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	}
	return ai < bi
}
