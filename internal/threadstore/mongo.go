package threadstore

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/you/gnasty-tickets/internal/core"
)

const (
	defaultMongoDatabase = "test"
	threadsCollection    = "threads"
)

// threadDoc is the persisted layout: one document per player.
type threadDoc struct {
	PlayerID  string         `bson:"playerId"`
	DisplayID string         `bson:"displayId,omitempty"`
	Messages  []core.Message `bson:"messages"`
	HasNew    bool           `bson:"hasNew"`
	CreatedAt time.Time      `bson:"createdAt"`
	UpdatedAt time.Time      `bson:"updatedAt"`
}

func (d threadDoc) thread() core.Thread {
	msgs := d.Messages
	if msgs == nil {
		msgs = []core.Message{}
	}
	for i := range msgs {
		msgs[i].Time = msgs[i].Time.UTC()
	}
	return core.Thread{
		PlayerID:  d.PlayerID,
		DisplayID: d.DisplayID,
		Messages:  msgs,
		HasNew:    d.HasNew,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

type Mongo struct {
	client  *mongo.Client
	threads *mongo.Collection
	now     func() time.Time
}

func OpenMongo(ctx context.Context, uri string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongodb")
	}
	m := &Mongo{
		client:  client,
		threads: client.Database(mongoDatabase(uri)).Collection(threadsCollection),
		now:     time.Now,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// mongoDatabase takes the database from the URI path, like mongoose does.
func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultMongoDatabase
	}
	return name
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.threads.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "playerId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("playerId_unique"),
		},
		{
			Keys:    bson.D{{Key: "messages.time", Value: 1}},
			Options: options.Index().SetName("messages_time"),
		},
	})
	return errors.Wrap(err, "ensure indexes")
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return core.StoreUnavailable("ping", m.client.Ping(ctx, nil))
}

// AppendMessage is one findOneAndUpdate with an update pipeline: upsert,
// append and, for admin messages, set hasNew in the same document mutation.
// The new message's time is clamped to the thread's latest time so a clock
// stepping backwards never reorders a thread. Needs MongoDB 4.2 or later.
func (m *Mongo) AppendMessage(ctx context.Context, playerID string, from core.Sender, text string) (core.Thread, error) {
	id, err := checkAppend(playerID, from, text)
	if err != nil {
		return core.Thread{}, err
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	update := appendPipeline(m.now().UTC(), strings.TrimSpace(playerID), from, text)

	var doc threadDoc
	err = m.threads.FindOneAndUpdate(ctx, bson.M{"playerId": id}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Two concurrent upserts raced on insert; the loser retries as an update.
		err = m.threads.FindOneAndUpdate(ctx, bson.M{"playerId": id}, update, opts).Decode(&doc)
	}
	if err != nil {
		return core.Thread{}, core.StoreUnavailable("append message", errors.Wrap(err, "find one and update"))
	}
	return doc.thread(), nil
}

// appendPipeline builds the $set stage for AppendMessage. Caller text goes
// through $literal so a leading "$" is never read as a field path.
func appendPipeline(now time.Time, display string, from core.Sender, text string) mongo.Pipeline {
	hasNew := any(bson.M{"$ifNull": bson.A{"$hasNew", false}})
	if from == core.SenderAdmin {
		hasNew = true
	}
	msg := bson.M{
		"from": string(from),
		"text": bson.M{"$literal": text},
		"time": bson.M{"$max": bson.A{now, bson.M{"$max": "$messages.time"}}},
	}
	return mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"messages": bson.M{"$concatArrays": bson.A{
			bson.M{"$ifNull": bson.A{"$messages", bson.A{}}},
			bson.A{msg},
		}},
		"hasNew":    hasNew,
		"updatedAt": now,
		"createdAt": bson.M{"$ifNull": bson.A{"$createdAt", now}},
		"displayId": bson.M{"$ifNull": bson.A{"$displayId", bson.M{"$literal": display}}},
	}}}}
}

func (m *Mongo) find(ctx context.Context, playerID string, projection bson.M) (threadDoc, bool, error) {
	var doc threadDoc
	opts := options.FindOne().SetProjection(projection)
	err := m.threads.FindOne(ctx, bson.M{"playerId": core.CanonicalPlayerID(playerID)}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return threadDoc{}, false, nil
	}
	if err != nil {
		return threadDoc{}, false, errors.Wrap(err, "find thread")
	}
	return doc, true, nil
}

func (m *Mongo) GetMessages(ctx context.Context, playerID string) ([]core.Message, error) {
	doc, ok, err := m.find(ctx, playerID, bson.M{"messages": 1})
	if err != nil {
		return nil, core.StoreUnavailable("get messages", err)
	}
	if !ok {
		return []core.Message{}, nil
	}
	return doc.thread().Messages, nil
}

func (m *Mongo) HasNewMessages(ctx context.Context, playerID string) (bool, error) {
	doc, ok, err := m.find(ctx, playerID, bson.M{"hasNew": 1})
	if err != nil {
		return false, core.StoreUnavailable("has new messages", err)
	}
	return ok && doc.HasNew, nil
}

func (m *Mongo) MarkRead(ctx context.Context, playerID string) error {
	_, err := m.threads.UpdateOne(ctx,
		bson.M{"playerId": core.CanonicalPlayerID(playerID)},
		bson.M{"$set": bson.M{"hasNew": false, "updatedAt": m.now().UTC()}},
	)
	return core.StoreUnavailable("mark read", errors.Wrap(err, "update one"))
}

// PruneOlderThan pulls expired entries server-side; each thread is
// mutated atomically and documents are never removed.
func (m *Mongo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	res, err := m.threads.UpdateMany(ctx,
		bson.M{"messages.time": bson.M{"$lt": cutoff}},
		bson.M{
			"$pull": bson.M{"messages": bson.M{"time": bson.M{"$lt": cutoff}}},
			"$set":  bson.M{"updatedAt": m.now().UTC()},
		},
	)
	if err != nil {
		return 0, core.StoreUnavailable("prune", errors.Wrap(err, "update many"))
	}
	return res.ModifiedCount, nil
}

func (m *Mongo) ImportThread(ctx context.Context, playerID string, messages []core.Message) error {
	if err := core.ValidatePlayerID(playerID); err != nil {
		return err
	}
	now := m.now().UTC()
	msgs := make([]core.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Time.IsZero() {
			msg.Time = now
		}
		msg.Time = msg.Time.UTC()
		msgs = append(msgs, msg)
	}
	_, err := m.threads.UpdateOne(ctx,
		bson.M{"playerId": core.CanonicalPlayerID(playerID)},
		bson.M{
			"$set":         bson.M{"messages": msgs, "hasNew": false, "updatedAt": now},
			"$setOnInsert": bson.M{"createdAt": now, "displayId": strings.TrimSpace(playerID)},
		},
		options.Update().SetUpsert(true),
	)
	return core.StoreUnavailable("import thread", errors.Wrap(err, "update one"))
}
