package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/basket/narrabot/internal/audit"
)

// Mongo implements Documents on top of a MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// MongoOptions size the connection pool.
type MongoOptions struct {
	URI         string
	Database    string
	MinPool     uint64
	MaxPool     uint64
	IdleTimeout time.Duration
}

// OpenMongo connects, pings, and ensures the unique indexes the write
// paths rely on (user_id, txn_id, mission_id, workflow_id, post_id,
// chat_id+message_id).
func OpenMongo(ctx context.Context, opt MongoOptions) (*Mongo, error) {
	if opt.URI == "" {
		return nil, fmt.Errorf("document store uri is empty")
	}
	if opt.Database == "" {
		return nil, fmt.Errorf("document store database is empty")
	}

	clientOpts := options.Client().
		ApplyURI(opt.URI).
		SetMinPoolSize(opt.MinPool).
		SetMaxPoolSize(opt.MaxPool).
		SetMaxConnIdleTime(opt.IdleTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping document store: %w", err)
	}

	m := &Mongo{client: client, db: client.Database(opt.Database)}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		coll string
		keys bson.D
	}{
		{CollUsers, bson.D{{Key: "user_id", Value: 1}}},
		{CollUsers, bson.D{{Key: "external_id", Value: 1}}},
		{CollTransactions, bson.D{{Key: "txn_id", Value: 1}}},
		{CollMissions, bson.D{{Key: "mission_id", Value: 1}}},
		{CollJournal, bson.D{{Key: "workflow_id", Value: 1}}},
		{CollScheduled, bson.D{{Key: "post_id", Value: 1}}},
		{CollTracking, bson.D{{Key: "chat_id", Value: 1}, {Key: "message_id", Value: 1}}},
		{CollEventsAudit, bson.D{{Key: "event_id", Value: 1}}},
		{CollFragments, bson.D{{Key: "fragment_id", Value: 1}}},
		{CollHints, bson.D{{Key: "hint_id", Value: 1}}},
	}
	for _, spec := range specs {
		_, err := m.db.Collection(spec.coll).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    spec.keys,
			Options: unique,
		})
		if err != nil {
			return fmt.Errorf("ensure index on %s: %w", spec.coll, err)
		}
	}
	return nil
}

func translateMongoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *Mongo) InsertUserState(ctx context.Context, st *UserState) error {
	if st.Version == 0 {
		st.Version = 1
	}
	_, err := m.db.Collection(CollUsers).InsertOne(ctx, st)
	return translateMongoErr(err)
}

func (m *Mongo) GetUserState(ctx context.Context, userID string) (*UserState, error) {
	var st UserState
	err := m.db.Collection(CollUsers).FindOne(ctx, bson.M{"user_id": userID}).Decode(&st)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	return &st, nil
}

func (m *Mongo) GetUserStateByExternalID(ctx context.Context, externalID int64) (*UserState, error) {
	var st UserState
	err := m.db.Collection(CollUsers).FindOne(ctx, bson.M{"external_id": externalID}).Decode(&st)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	return &st, nil
}

// ReplaceUserState performs the optimistic CAS: the filter matches on
// the version the caller read, the replacement carries version+1. A
// matched count of zero means either the document is gone or someone
// else won the race.
func (m *Mongo) ReplaceUserState(ctx context.Context, st *UserState) error {
	readVersion := st.Version
	st.Version = readVersion + 1
	st.UpdatedAt = time.Now().UTC()

	res, err := m.db.Collection(CollUsers).ReplaceOne(ctx,
		bson.M{"user_id": st.UserID, "version": readVersion}, st)
	if err != nil {
		st.Version = readVersion
		return translateMongoErr(err)
	}
	if res.MatchedCount == 0 {
		st.Version = readVersion
		n, err := m.db.Collection(CollUsers).CountDocuments(ctx, bson.M{"user_id": st.UserID})
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (m *Mongo) DeleteUserState(ctx context.Context, userID string) error {
	res, err := m.db.Collection(CollUsers).DeleteOne(ctx, bson.M{"user_id": userID})
	if err != nil {
		return translateMongoErr(err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) InsertTransaction(ctx context.Context, txn *CurrencyTransaction) error {
	_, err := m.db.Collection(CollTransactions).InsertOne(ctx, txn)
	return translateMongoErr(err)
}

func (m *Mongo) GetTransaction(ctx context.Context, txnID string) (*CurrencyTransaction, error) {
	var txn CurrencyTransaction
	err := m.db.Collection(CollTransactions).FindOne(ctx, bson.M{"txn_id": txnID}).Decode(&txn)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	return &txn, nil
}

func (m *Mongo) ListTransactions(ctx context.Context, userID string, limit int) ([]*CurrencyTransaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := m.db.Collection(CollTransactions).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*CurrencyTransaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) UpsertFragment(ctx context.Context, f *Fragment) error {
	_, err := m.db.Collection(CollFragments).ReplaceOne(ctx,
		bson.M{"fragment_id": f.ID}, f, options.Replace().SetUpsert(true))
	return translateMongoErr(err)
}

func (m *Mongo) GetFragment(ctx context.Context, fragmentID string) (*Fragment, error) {
	var f Fragment
	err := m.db.Collection(CollFragments).FindOne(ctx, bson.M{"fragment_id": fragmentID}).Decode(&f)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	return &f, nil
}

func (m *Mongo) UpsertHint(ctx context.Context, h *Hint) error {
	_, err := m.db.Collection(CollHints).ReplaceOne(ctx,
		bson.M{"hint_id": h.ID}, h, options.Replace().SetUpsert(true))
	return translateMongoErr(err)
}

func (m *Mongo) GetHint(ctx context.Context, hintID string) (*Hint, error) {
	var h Hint
	err := m.db.Collection(CollHints).FindOne(ctx, bson.M{"hint_id": hintID}).Decode(&h)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	return &h, nil
}

func (m *Mongo) ListHints(ctx context.Context) ([]*Hint, error) {
	cur, err := m.db.Collection(CollHints).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "hint_id", Value: 1}}))
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*Hint
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) InsertMission(ctx context.Context, ms *Mission) error {
	_, err := m.db.Collection(CollMissions).InsertOne(ctx, ms)
	return translateMongoErr(err)
}

func (m *Mongo) GetMission(ctx context.Context, missionID string) (*Mission, error) {
	var ms Mission
	err := m.db.Collection(CollMissions).FindOne(ctx, bson.M{"mission_id": missionID}).Decode(&ms)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	return &ms, nil
}

func (m *Mongo) ListMissions(ctx context.Context, userID string, status MissionStatus) ([]*Mission, error) {
	filter := bson.M{"user_id": userID}
	if status != "" {
		filter["status"] = status
	}
	cur, err := m.db.Collection(CollMissions).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "assigned_at", Value: 1}}))
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*Mission
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) ReplaceMission(ctx context.Context, ms *Mission) error {
	res, err := m.db.Collection(CollMissions).ReplaceOne(ctx, bson.M{"mission_id": ms.ID}, ms)
	if err != nil {
		return translateMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) ListMissionsPastDeadline(ctx context.Context, now time.Time) ([]*Mission, error) {
	filter := bson.M{
		"status":   MissionActive,
		"deadline": bson.M{"$lt": now, "$ne": nil},
	}
	cur, err := m.db.Collection(CollMissions).Find(ctx, filter)
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*Mission
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) UpsertJournal(ctx context.Context, e *JournalEntry) error {
	_, err := m.db.Collection(CollJournal).ReplaceOne(ctx,
		bson.M{"workflow_id": e.WorkflowID}, e, options.Replace().SetUpsert(true))
	return translateMongoErr(err)
}

func (m *Mongo) ListJournal(ctx context.Context, status JournalStatus) ([]*JournalEntry, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	cur, err := m.db.Collection(CollJournal).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*JournalEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) DeleteJournalBefore(ctx context.Context, status JournalStatus, cutoff time.Time) (int, error) {
	res, err := m.db.Collection(CollJournal).DeleteMany(ctx, bson.M{
		"status":     status,
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, translateMongoErr(err)
	}
	return int(res.DeletedCount), nil
}

func (m *Mongo) InsertTracked(ctx context.Context, tm *TrackedMessage) error {
	_, err := m.db.Collection(CollTracking).ReplaceOne(ctx,
		bson.M{"chat_id": tm.ChatID, "message_id": tm.MessageID}, tm,
		options.Replace().SetUpsert(true))
	return translateMongoErr(err)
}

func (m *Mongo) DeleteTracked(ctx context.Context, chatID int64, messageID int) error {
	_, err := m.db.Collection(CollTracking).DeleteOne(ctx,
		bson.M{"chat_id": chatID, "message_id": messageID})
	return translateMongoErr(err)
}

func (m *Mongo) ListTracked(ctx context.Context, chatID int64) ([]*TrackedMessage, error) {
	cur, err := m.db.Collection(CollTracking).Find(ctx, bson.M{"chat_id": chatID})
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*TrackedMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) ListAllTracked(ctx context.Context) ([]*TrackedMessage, error) {
	cur, err := m.db.Collection(CollTracking).Find(ctx, bson.M{})
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*TrackedMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) InsertScheduledPost(ctx context.Context, p *ScheduledPost) error {
	_, err := m.db.Collection(CollScheduled).InsertOne(ctx, p)
	return translateMongoErr(err)
}

func (m *Mongo) ListDuePosts(ctx context.Context, now time.Time) ([]*ScheduledPost, error) {
	cur, err := m.db.Collection(CollScheduled).Find(ctx, bson.M{
		"status":     PostPending,
		"publish_at": bson.M{"$lte": now},
	})
	if err != nil {
		return nil, translateMongoErr(err)
	}
	var out []*ScheduledPost
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) MarkPostPublished(ctx context.Context, postID string, at time.Time) error {
	res, err := m.db.Collection(CollScheduled).UpdateOne(ctx,
		bson.M{"post_id": postID},
		bson.M{"$set": bson.M{"status": PostPublished, "published_at": at}})
	if err != nil {
		return translateMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) InsertDeadLetter(ctx context.Context, d *DeadLetter) error {
	_, err := m.db.Collection(CollEventsAudit).InsertOne(ctx, d)
	return translateMongoErr(err)
}

func (m *Mongo) CountDeadLetters(ctx context.Context) (int64, error) {
	n, err := m.db.Collection(CollEventsAudit).CountDocuments(ctx, bson.M{})
	return n, translateMongoErr(err)
}

func (m *Mongo) InsertAdminLog(ctx context.Context, e audit.Entry) error {
	_, err := m.db.Collection(CollAdminLogs).InsertOne(ctx, e)
	return translateMongoErr(err)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

var _ Documents = (*Mongo)(nil)
