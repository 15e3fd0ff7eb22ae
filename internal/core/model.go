package core

import (
	"strings"
	"time"
	"unicode"
)

// Sender identifies which side of a ticket wrote a message.
type Sender string

const (
	SenderPlayer Sender = "player"
	SenderAdmin  Sender = "admin"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderPlayer || s == SenderAdmin
}

// Message is one entry of a player's support thread.
type Message struct {
	From Sender    `json:"from" bson:"from"`
	Text string    `json:"text" bson:"text"`
	Time time.Time `json:"time" bson:"time"`
}

// Thread is the durable conversation record for one player.
type Thread struct {
	PlayerID  string    `json:"playerId"`
	DisplayID string    `json:"displayId,omitempty"`
	Messages  []Message `json:"messages"`
	HasNew    bool      `json:"hasNew"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MaxPlayerIDLen keeps "ticket-<id>" inside the platform's channel name limit.
const MaxPlayerIDLen = 90

// CanonicalPlayerID returns the comparison key used at every store and
// registry boundary: trimmed and upper-cased.
func CanonicalPlayerID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidatePlayerID checks that raw can be canonicalized and round-tripped
// through a channel name.
func ValidatePlayerID(raw string) error {
	id := strings.TrimSpace(raw)
	if id == "" {
		return Validation("playerId required")
	}
	if len(id) > MaxPlayerIDLen {
		return Validation("playerId too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return Validation("playerId must not contain whitespace")
		}
	}
	return nil
}
