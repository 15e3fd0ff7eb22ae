// Package threadstore persists per-player support threads.
//
// Every backend honours the same contract: appends are a single atomic
// mutation (upsert + push + conditional unread flag), reads of unknown
// players return empty results, and pruning never removes a thread record.
package threadstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/gnasty-tickets/internal/core"
)

type Store interface {
	AppendMessage(ctx context.Context, playerID string, from core.Sender, text string) (core.Thread, error)
	GetMessages(ctx context.Context, playerID string) ([]core.Message, error)
	HasNewMessages(ctx context.Context, playerID string) (bool, error)
	MarkRead(ctx context.Context, playerID string) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ImportThread(ctx context.Context, playerID string, messages []core.Message) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open picks a backend from the URI scheme: mongodb:// and mongodb+srv://
// select MongoDB, sqlite:<path> or a bare path selects SQLite.
func Open(ctx context.Context, uri string) (Store, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case uri == "":
		return nil, errors.New("threadstore: empty store uri")
	case strings.HasPrefix(uri, "mongodb://"), strings.HasPrefix(uri, "mongodb+srv://"):
		return OpenMongo(ctx, uri)
	case strings.HasPrefix(uri, "sqlite:"):
		return OpenSQLite(ctx, strings.TrimPrefix(uri, "sqlite:"))
	default:
		return OpenSQLite(ctx, uri)
	}
}

// Backend names the backend a URI selects, for logging.
func Backend(uri string) string {
	uri = strings.TrimSpace(uri)
	if strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://") {
		return "mongodb"
	}
	return "sqlite"
}

func checkAppend(playerID string, from core.Sender, text string) (string, error) {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return "", err
	}
	if !from.Valid() {
		return "", core.Validation("unknown sender " + string(from))
	}
	if strings.TrimSpace(text) == "" {
		return "", core.Validation("text required")
	}
	return core.CanonicalPlayerID(playerID), nil
}
