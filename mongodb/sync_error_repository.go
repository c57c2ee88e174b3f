package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evoke-labs/idbridge/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// SyncErrorRepositoryMongo implements domain.SyncErrorRepository. The ledger
// is append-mostly; only retry_count, handled and exhausted mutate after
// insertion, via targeted $set updates so no cross-record locking is needed.
type SyncErrorRepositoryMongo struct {
	collection *mongo.Collection
}

// NewSyncErrorRepositoryMongo creates the repository and ensures its indexes.
// The expires_at TTL index makes the server purge records once their
// retention boundary passes; no housekeeping job is needed.
func NewSyncErrorRepositoryMongo(ctx context.Context, db *mongo.Database) (*SyncErrorRepositoryMongo, error) {
	repo := &SyncErrorRepositoryMongo{collection: db.Collection(SyncErrorsCollection)}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create %s indexes: %w", SyncErrorsCollection, err)
	}
	return repo, nil
}

func (r *SyncErrorRepositoryMongo) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "handled", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "external_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, indexModels)
	return err
}

func (r *SyncErrorRepositoryMongo) Insert(ctx context.Context, rec *domain.SyncErrorRecord) error {
	if rec.ID == "" {
		rec.ID = NewObjectID()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, rec)
	return err
}

func (r *SyncErrorRepositoryMongo) GetByID(ctx context.Context, id string) (*domain.SyncErrorRecord, error) {
	var rec domain.SyncErrorRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *SyncErrorRepositoryMongo) ListUnhandled(ctx context.Context, eventType domain.SyncEventType, limit int) ([]*domain.SyncErrorRecord, error) {
	filter := bson.M{"handled": false, "exhausted": false}
	if eventType != "" {
		filter["event_type"] = eventType
	}
	return r.list(ctx, filter, limit)
}

func (r *SyncErrorRepositoryMongo) ListRetryable(ctx context.Context, eventType domain.SyncEventType, maxRetries, limit int) ([]*domain.SyncErrorRecord, error) {
	filter := bson.M{
		"handled":     false,
		"exhausted":   false,
		"event_type":  eventType,
		"retry_count": bson.M{"$lt": maxRetries},
	}
	return r.list(ctx, filter, limit)
}

func (r *SyncErrorRepositoryMongo) ListExhausted(ctx context.Context, eventType domain.SyncEventType, limit int) ([]*domain.SyncErrorRecord, error) {
	filter := bson.M{"exhausted": true}
	if eventType != "" {
		filter["event_type"] = eventType
	}
	return r.list(ctx, filter, limit)
}

func (r *SyncErrorRepositoryMongo) list(ctx context.Context, filter bson.M, limit int) ([]*domain.SyncErrorRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*domain.SyncErrorRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *SyncErrorRepositoryMongo) MarkHandled(ctx context.Context, id string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"handled": true, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SyncErrorRepositoryMongo) IncrementRetry(ctx context.Context, id string, exhausted bool) error {
	update := bson.M{
		"$inc": bson.M{"retry_count": 1},
		"$set": bson.M{"exhausted": exhausted, "updated_at": time.Now().UTC()},
	}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Stats aggregates the operational summary in a single pipeline pass plus
// three cheap counts.
func (r *SyncErrorRepositoryMongo) Stats(ctx context.Context) (*domain.SyncErrorStats, error) {
	stats := &domain.SyncErrorStats{ByType: make(map[domain.SyncEventType]int64)}

	total, err := r.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	stats.Total = total

	unhandled, err := r.collection.CountDocuments(ctx, bson.M{"handled": false, "exhausted": false})
	if err != nil {
		return nil, err
	}
	stats.Unhandled = unhandled

	exhausted, err := r.collection.CountDocuments(ctx, bson.M{"exhausted": true})
	if err != nil {
		return nil, err
	}
	stats.Exhausted = exhausted

	last24h, err := r.collection.CountDocuments(ctx, bson.M{
		"created_at": bson.M{"$gte": time.Now().UTC().Add(-24 * time.Hour)},
	})
	if err != nil {
		return nil, err
	}
	stats.Last24h = last24h

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$event_type", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		EventType string `bson:"_id"`
		Count     int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByType[domain.SyncEventType(row.EventType)] = row.Count
	}
	return stats, nil
}

var _ domain.SyncErrorRepository = (*SyncErrorRepositoryMongo)(nil)
