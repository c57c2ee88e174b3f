package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/evoke-labs/idbridge/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DeletionTaskRepositoryMongo implements domain.DeletionTaskRepository.
type DeletionTaskRepositoryMongo struct {
	collection *mongo.Collection
}

func NewDeletionTaskRepositoryMongo(ctx context.Context, db *mongo.Database) (*DeletionTaskRepositoryMongo, error) {
	repo := &DeletionTaskRepositoryMongo{collection: db.Collection(DeletionTasksCollection)}
	_, err := repo.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s indexes: %w", DeletionTasksCollection, err)
	}
	return repo, nil
}

func (r *DeletionTaskRepositoryMongo) Enqueue(ctx context.Context, task *domain.DeletionTask) error {
	if task.ID == "" {
		task.ID = NewObjectID()
	}
	now := time.Now().UTC()
	task.Status = domain.DeletionPending
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, task)
	return err
}

func (r *DeletionTaskRepositoryMongo) ListPending(ctx context.Context, limit int) ([]*domain.DeletionTask, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := r.collection.Find(ctx, bson.M{"status": domain.DeletionPending}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tasks []*domain.DeletionTask
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *DeletionTaskRepositoryMongo) Update(ctx context.Context, task *domain.DeletionTask) error {
	task.UpdatedAt = time.Now().UTC()
	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": task.ID}, task)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.DeletionTaskRepository = (*DeletionTaskRepositoryMongo)(nil)
