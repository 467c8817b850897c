package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoStore struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	subscriptions    *mongo.Collection
	operationTimeout time.Duration
}

type sessionDocument struct {
	Bucket    int            `bson:"bucket"`
	ClientID  string         `bson:"client_id"`
	Timestamp int64          `bson:"timestamp"`
	Session   *ClientSession `bson:"session"`
}

type subscriptionDocument struct {
	Bucket    int     `bson:"bucket"`
	ClientID  string  `bson:"client_id"`
	Timestamp int64   `bson:"timestamp"`
	Topics    []Topic `bson:"topics"`
}

func (ms *MongoStore) Name() string {
	return "mongo"
}

func wrapMongoErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func clientFilter(clientID string) bson.D {
	return bson.D{{Key: "client_id", Value: clientID}}
}

func scanFilter(bucket int, afterKey string) bson.D {
	return bson.D{
		{Key: "bucket", Value: bucket},
		{Key: "client_id", Value: bson.D{{Key: "$gt", Value: afterKey}}},
	}
}

func scanOptions(limit int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "client_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

func (ms *MongoStore) GetSession(ctx context.Context, _ int, clientID string) (SessionEntry, bool, error) {
	if clientID == "" {
		return SessionEntry{}, false, ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	var doc sessionDocument
	startTime := time.Now()
	err := ms.sessions.FindOne(ctx, clientFilter(clientID)).Decode(&doc)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return SessionEntry{}, false, nil
		}
		return SessionEntry{}, false, wrapMongoErr(err)
	}
	return SessionEntry{ClientID: doc.ClientID, Session: doc.Session, Timestamp: doc.Timestamp}, true, nil
}

func (ms *MongoStore) PutSession(ctx context.Context, bucket int, entry SessionEntry) error {
	if entry.ClientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	doc := sessionDocument{Bucket: bucket, ClientID: entry.ClientID, Timestamp: entry.Timestamp, Session: entry.Session}
	result, err := ms.sessions.ReplaceOne(ctx, clientFilter(entry.ClientID), doc, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapMongoErr(err)
	}
	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		entry.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ms *MongoStore) DeleteSession(ctx context.Context, _ int, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	result, err := ms.sessions.DeleteOne(ctx, clientFilter(clientID))
	if err != nil {
		return wrapMongoErr(err)
	}
	logger.DebugF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (ms *MongoStore) ScanSessions(ctx context.Context, bucket int, afterKey string, limit int) ([]SessionEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	cursor, err := ms.sessions.Find(ctx, scanFilter(bucket, afterKey), scanOptions(limit))
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongoErr(err)
	}
	result := make([]SessionEntry, 0, len(docs))
	for _, doc := range docs {
		result = append(result, SessionEntry{ClientID: doc.ClientID, Session: doc.Session, Timestamp: doc.Timestamp})
	}
	return result, nil
}

func (ms *MongoStore) GetSubscriptions(ctx context.Context, _ int, clientID string) (SubscriptionEntry, bool, error) {
	if clientID == "" {
		return SubscriptionEntry{}, false, ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	var doc subscriptionDocument
	startTime := time.Now()
	err := ms.subscriptions.FindOne(ctx, clientFilter(clientID)).Decode(&doc)
	logger.DebugF("subscription query cost: %v", time.Since(startTime))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return SubscriptionEntry{}, false, nil
		}
		return SubscriptionEntry{}, false, wrapMongoErr(err)
	}
	return SubscriptionEntry{ClientID: doc.ClientID, Topics: doc.Topics, Timestamp: doc.Timestamp}, true, nil
}

func (ms *MongoStore) PutSubscriptions(ctx context.Context, bucket int, entry SubscriptionEntry) error {
	if entry.ClientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	doc := subscriptionDocument{Bucket: bucket, ClientID: entry.ClientID, Timestamp: entry.Timestamp, Topics: entry.Topics}
	if _, err := ms.subscriptions.ReplaceOne(ctx, clientFilter(entry.ClientID), doc, options.Replace().SetUpsert(true)); err != nil {
		return wrapMongoErr(err)
	}
	return nil
}

func (ms *MongoStore) DeleteSubscriptions(ctx context.Context, _ int, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	if _, err := ms.subscriptions.DeleteOne(ctx, clientFilter(clientID)); err != nil {
		return wrapMongoErr(err)
	}
	return nil
}

func (ms *MongoStore) ScanSubscriptions(ctx context.Context, bucket int, afterKey string, limit int) ([]SubscriptionEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	cursor, err := ms.subscriptions.Find(ctx, scanFilter(bucket, afterKey), scanOptions(limit))
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	var docs []subscriptionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongoErr(err)
	}
	result := make([]SubscriptionEntry, 0, len(docs))
	for _, doc := range docs {
		result = append(result, SubscriptionEntry{ClientID: doc.ClientID, Topics: doc.Topics, Timestamp: doc.Timestamp})
	}
	return result, nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
