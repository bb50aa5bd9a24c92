package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shohag/notifyrelay/internal/models"
)

// MongoStorage keeps messages, deliveries and attempts in one database so
// router and delivery processes on different hosts share state.
type MongoStorage struct {
	client     *mongo.Client
	messages   *mongo.Collection
	deliveries *mongo.Collection
	attempts   *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*MongoStorage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, unavailable("ping", err)
	}
	return newMongoStorage(client, client.Database(database)), nil
}

func newMongoStorage(client *mongo.Client, db *mongo.Database) *MongoStorage {
	return &MongoStorage{
		client:     client,
		messages:   db.Collection("messages"),
		deliveries: db.Collection("deliveries"),
		attempts:   db.Collection("attempts"),
	}
}

func (s *MongoStorage) Migrate(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.messages: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "attempts", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextAttemptAt", Value: 1}}},
			{Keys: bson.D{
				{Key: "content.recipient", Value: 1},
				{Key: "content.body", Value: 1},
				{Key: "channel", Value: 1},
				{Key: "createdAt", Value: -1},
			}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "channel", Value: 1}}},
		},
		s.deliveries: {
			{Keys: bson.D{{Key: "messageId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "traceId", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "channel", Value: 1}}},
		},
		s.attempts: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "messageId", Value: 1}}},
		},
	}
	for coll, idx := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, idx); err != nil {
			return unavailable("migrate "+coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStorage) Close() error {
	return s.client.Disconnect(context.Background())
}

// --- Messages ---

func (s *MongoStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.messages.InsertOne(ctx, msg)
	return unavailable("create message", err)
}

func (s *MongoStorage) findMessage(ctx context.Context, op string, filter bson.M, opts ...*options.FindOneOptions) (*models.Message, error) {
	var m models.Message
	err := s.messages.FindOne(ctx, filter, opts...).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return &m, nil
}

func (s *MongoStorage) findMessages(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]models.Message, error) {
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable(op, err)
	}
	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, unavailable(op, err)
	}
	return msgs, nil
}

func (s *MongoStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.findMessage(ctx, "get message", bson.M{"id": id})
}

func (s *MongoStorage) FindRecentDuplicate(ctx context.Context, channel models.Channel, recipient, body string, since time.Time) (*models.Message, error) {
	return s.findMessage(ctx, "find duplicate",
		bson.M{
			"content.recipient": recipient,
			"content.body":      body,
			"channel":           channel,
			"createdAt":         bson.M{"$gt": since},
		},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	)
}

func (s *MongoStorage) ListMessages(ctx context.Context, status models.Status, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	return s.findMessages(ctx, "list messages", filter, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset)))
}

func (s *MongoStorage) MarkQueued(ctx context.Context, id, traceID string, at time.Time) error {
	_, err := s.messages.UpdateOne(ctx,
		bson.M{"id": id, "traceId": traceID, "status": models.StatusPending},
		bson.M{"$set": bson.M{"queuedAt": at, "updatedAt": at}},
	)
	return unavailable("mark queued", err)
}

func (s *MongoStorage) ApplyResult(ctx context.Context, u ResultUpdate) (bool, error) {
	set := bson.M{
		"status":      u.Status,
		"lastAttempt": u.At,
		"lastError":   u.Error,
		"updatedAt":   u.At,
	}
	update := bson.M{"$set": set}
	if u.NextAttemptAt != nil {
		set["nextAttemptAt"] = *u.NextAttemptAt
	} else {
		update["$unset"] = bson.M{"nextAttemptAt": ""}
	}

	res, err := s.messages.UpdateOne(ctx,
		bson.M{"id": u.MessageID, "traceId": u.TraceID, "status": models.StatusPending},
		update,
	)
	if err != nil {
		return false, unavailable("apply result", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStorage) DueForRetry(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.Message, error) {
	return s.findMessages(ctx, "due for retry",
		bson.M{
			"status":   models.StatusFailed,
			"attempts": bson.M{"$lt": maxAttempts},
			"$or": bson.A{
				bson.M{"nextAttemptAt": bson.M{"$exists": false}},
				bson.M{"nextAttemptAt": bson.M{"$lte": now}},
			},
		},
		options.Find().SetSort(bson.D{{Key: "nextAttemptAt", Value: 1}}).SetLimit(int64(limit)),
	)
}

func (s *MongoStorage) ClaimRetry(ctx context.Context, c RetryClaim) (bool, error) {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{
			"id":       c.MessageID,
			"status":   models.StatusFailed,
			"attempts": bson.M{"$eq": c.SeenAttempts, "$lt": c.MaxAttempts},
		},
		bson.M{
			"$set": bson.M{
				"status":      models.StatusPending,
				"traceId":     c.TraceID,
				"lastAttempt": c.At,
				"updatedAt":   c.At,
			},
			"$inc":   bson.M{"attempts": 1},
			"$unset": bson.M{"nextAttemptAt": "", "queuedAt": ""},
		},
	)
	if err != nil {
		return false, unavailable("claim retry", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStorage) ListUnqueued(ctx context.Context, before time.Time, limit int) ([]models.Message, error) {
	return s.findMessages(ctx, "list unqueued",
		bson.M{
			"status":    models.StatusPending,
			"queuedAt":  bson.M{"$exists": false},
			"updatedAt": bson.M{"$lte": before},
		},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}}).SetLimit(int64(limit)),
	)
}

func (s *MongoStorage) ListStalePending(ctx context.Context, queuedBefore time.Time, limit int) ([]models.Message, error) {
	return s.findMessages(ctx, "list stale pending",
		bson.M{
			"status":   models.StatusPending,
			"queuedAt": bson.M{"$lte": queuedBefore},
		},
		options.Find().SetSort(bson.D{{Key: "queuedAt", Value: 1}}).SetLimit(int64(limit)),
	)
}

// --- Deliveries ---

func (s *MongoStorage) UpsertDelivery(ctx context.Context, d *models.Delivery) error {
	set := bson.M{
		"deliveryId": d.DeliveryID,
		"traceId":    d.TraceID,
		"channel":    d.Channel,
		"content":    d.Content,
		"status":     d.Status,
		"error":      d.Error,
		"updatedAt":  d.UpdatedAt,
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"createdAt": d.CreatedAt},
	}
	if d.DeliveredAt != nil {
		set["deliveredAt"] = *d.DeliveredAt
	} else {
		update["$unset"] = bson.M{"deliveredAt": ""}
	}

	_, err := s.deliveries.UpdateOne(ctx,
		bson.M{"messageId": d.MessageID},
		update,
		options.Update().SetUpsert(true),
	)
	return unavailable("upsert delivery", err)
}

func (s *MongoStorage) GetDelivery(ctx context.Context, messageID string) (*models.Delivery, error) {
	var d models.Delivery
	err := s.deliveries.FindOne(ctx, bson.M{"messageId": messageID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get delivery", err)
	}
	return &d, nil
}

func (s *MongoStorage) ListDeliveries(ctx context.Context, status models.Status, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	cur, err := s.deliveries.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, unavailable("list deliveries", err)
	}
	var deliveries []models.Delivery
	if err := cur.All(ctx, &deliveries); err != nil {
		return nil, unavailable("list deliveries", err)
	}
	return deliveries, nil
}

// --- Attempts ---

func (s *MongoStorage) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	_, err := s.attempts.InsertOne(ctx, a)
	return unavailable("create attempt", err)
}

func (s *MongoStorage) GetAttemptsByMessage(ctx context.Context, messageID string) ([]models.Attempt, error) {
	cur, err := s.attempts.Find(ctx, bson.M{"messageId": messageID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "id", Value: 1}}))
	if err != nil {
		return nil, unavailable("get attempts", err)
	}
	var attempts []models.Attempt
	if err := cur.All(ctx, &attempts); err != nil {
		return nil, unavailable("get attempts", err)
	}
	return attempts, nil
}

// --- Stats ---

func (s *MongoStorage) GetStats(ctx context.Context) (*Stats, error) {
	cur, err := s.deliveries.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "status", Value: "$status"}, {Key: "channel", Value: "$channel"}}},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, unavailable("stats", err)
	}

	var groups []struct {
		Key struct {
			Status  models.Status  `bson:"status"`
			Channel models.Channel `bson:"channel"`
		} `bson:"_id"`
		N int64 `bson:"n"`
	}
	if err := cur.All(ctx, &groups); err != nil {
		return nil, unavailable("stats", err)
	}

	stats := newStats()
	for _, g := range groups {
		stats.Total += g.N
		stats.ByStatus[g.Key.Status] += g.N
		stats.ByChannel[g.Key.Channel] += g.N
	}
	return stats, nil
}
