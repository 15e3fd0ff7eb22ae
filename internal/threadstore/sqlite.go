package threadstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/gnasty-tickets/internal/core"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS threads (
  player_id TEXT NOT NULL PRIMARY KEY,
  display_id TEXT NOT NULL DEFAULT '',
  has_new INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  player_id TEXT NOT NULL,
  sender TEXT NOT NULL,
  text TEXT NOT NULL,
  ts INTEGER NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS messages_player_seq ON messages(player_id, seq);`,
}

// SQLite is the embedded backend. All writes go through one connection so
// a transaction is the unit of atomicity.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("threadstore: empty sqlite path")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "apply schema")
		}
	}
	if err := configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "configure sqlite")
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)"
}

func (s *SQLite) Close(context.Context) error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error {
	return core.StoreUnavailable("ping", s.db.PingContext(ctx))
}

func (s *SQLite) String() string {
	return fmt.Sprintf("SQLite{%p}", s.db)
}

// RawDB exposes the handle for migrations and tests.
func (s *SQLite) RawDB() *sql.DB { return s.db }

func (s *SQLite) AppendMessage(ctx context.Context, playerID string, from core.Sender, text string) (core.Thread, error) {
	id, err := checkAppend(playerID, from, text)
	if err != nil {
		return core.Thread{}, err
	}
	thread, err := s.appendTx(ctx, id, strings.TrimSpace(playerID), from, text)
	if err != nil {
		return core.Thread{}, core.StoreUnavailable("append message", err)
	}
	return thread, nil
}

func (s *SQLite) appendTx(ctx context.Context, id, display string, from core.Sender, text string) (core.Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Thread{}, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC().UnixNano()
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ts) FROM messages WHERE player_id = ?;`, id).Scan(&last); err != nil {
		return core.Thread{}, errors.Wrap(err, "last timestamp")
	}
	if last.Valid && last.Int64 > now {
		now = last.Int64
	}

	flag := 0
	if from == core.SenderAdmin {
		flag = 1
	}
	const upsert = `INSERT INTO threads (player_id, display_id, has_new, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(player_id) DO UPDATE SET
  updated_at = excluded.updated_at,
  has_new = MAX(threads.has_new, excluded.has_new);`
	if _, err := tx.ExecContext(ctx, upsert, id, display, flag, now, now); err != nil {
		return core.Thread{}, errors.Wrap(err, "upsert thread")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (player_id, sender, text, ts) VALUES (?, ?, ?, ?);`,
		id, string(from), text, now); err != nil {
		return core.Thread{}, errors.Wrap(err, "insert message")
	}

	thread, err := loadThread(ctx, tx, id)
	if err != nil {
		return core.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Thread{}, errors.Wrap(err, "commit")
	}
	return thread, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadThread(ctx context.Context, q querier, id string) (core.Thread, error) {
	var (
		thread           core.Thread
		hasNew           int
		created, updated int64
	)
	err := q.QueryRowContext(ctx, `SELECT player_id, display_id, has_new, created_at, updated_at FROM threads WHERE player_id = ?;`, id).
		Scan(&thread.PlayerID, &thread.DisplayID, &hasNew, &created, &updated)
	if err != nil {
		return core.Thread{}, errors.Wrap(err, "load thread")
	}
	thread.HasNew = hasNew != 0
	thread.CreatedAt = time.Unix(0, created).UTC()
	thread.UpdatedAt = time.Unix(0, updated).UTC()
	thread.Messages, err = loadMessages(ctx, q, id)
	if err != nil {
		return core.Thread{}, err
	}
	return thread, nil
}

func loadMessages(ctx context.Context, q querier, id string) ([]core.Message, error) {
	rows, err := q.QueryContext(ctx, `SELECT sender, text, ts FROM messages WHERE player_id = ? ORDER BY seq ASC;`, id)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	out := []core.Message{}
	for rows.Next() {
		var (
			msg    core.Message
			sender string
			ts     int64
		)
		if err := rows.Scan(&sender, &msg.Text, &ts); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.From = core.Sender(sender)
		msg.Time = time.Unix(0, ts).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func (s *SQLite) GetMessages(ctx context.Context, playerID string) ([]core.Message, error) {
	msgs, err := loadMessages(ctx, s.db, core.CanonicalPlayerID(playerID))
	if err != nil {
		return nil, core.StoreUnavailable("get messages", err)
	}
	return msgs, nil
}

func (s *SQLite) HasNewMessages(ctx context.Context, playerID string) (bool, error) {
	var hasNew int
	err := s.db.QueryRowContext(ctx, `SELECT has_new FROM threads WHERE player_id = ?;`, core.CanonicalPlayerID(playerID)).Scan(&hasNew)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, core.StoreUnavailable("has new messages", errors.Wrap(err, "select has_new"))
	}
	return hasNew != 0, nil
}

func (s *SQLite) MarkRead(ctx context.Context, playerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET has_new = 0, updated_at = ? WHERE player_id = ?;`,
		s.now().UTC().UnixNano(), core.CanonicalPlayerID(playerID))
	return core.StoreUnavailable("mark read", errors.Wrap(err, "update has_new"))
}

func (s *SQLite) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.pruneTx(ctx, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, core.StoreUnavailable("prune", err)
	}
	return n, nil
}

func (s *SQLite) pruneTx(ctx context.Context, cutoff int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	var threads int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(DISTINCT player_id) FROM messages WHERE ts < ?;`, cutoff).Scan(&threads); err != nil {
		return 0, errors.Wrap(err, "count affected threads")
	}
	if threads == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ?
WHERE player_id IN (SELECT DISTINCT player_id FROM messages WHERE ts < ?);`, s.now().UTC().UnixNano(), cutoff); err != nil {
		return 0, errors.Wrap(err, "touch threads")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?;`, cutoff); err != nil {
		return 0, errors.Wrap(err, "delete messages")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	return threads, nil
}

func (s *SQLite) ImportThread(ctx context.Context, playerID string, messages []core.Message) error {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return err
	}
	id := core.CanonicalPlayerID(playerID)
	return core.StoreUnavailable("import thread", s.importTx(ctx, id, strings.TrimSpace(playerID), messages))
}

func (s *SQLite) importTx(ctx context.Context, id, display string, messages []core.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC().UnixNano()
	const upsert = `INSERT INTO threads (player_id, display_id, has_new, created_at, updated_at)
VALUES (?, ?, 0, ?, ?)
ON CONFLICT(player_id) DO UPDATE SET has_new = 0, updated_at = excluded.updated_at;`
	if _, err := tx.ExecContext(ctx, upsert, id, display, now, now); err != nil {
		return errors.Wrap(err, "upsert thread")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE player_id = ?;`, id); err != nil {
		return errors.Wrap(err, "clear messages")
	}
	for _, msg := range messages {
		ts := msg.Time.UTC().UnixNano()
		if msg.Time.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages (player_id, sender, text, ts) VALUES (?, ?, ?, ?);`,
			id, string(msg.From), msg.Text, ts); err != nil {
			return errors.Wrap(err, "insert message")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}
