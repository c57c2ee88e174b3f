package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserRepositoryMongo implements domain.UserRepository backed by MongoDB.
// Uniqueness of external_id, email and username is enforced by partial unique
// indexes; together with transactions this serializes concurrent upserts of
// the same identity (the loser of an insert race gets ErrDuplicate and its
// transaction aborts, so the caller re-runs the whole locate-then-write).
type UserRepositoryMongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// emailCollation makes email comparison case-insensitive. The unique index
// and every email query must share it, or a differently-cased duplicate slips
// past lookups yet still trips the index.
var emailCollation = &options.Collation{Locale: "en", Strength: 2}

// NewUserRepositoryMongo creates the repository and ensures its indexes.
func NewUserRepositoryMongo(ctx context.Context, db *mongo.Database) (*UserRepositoryMongo, error) {
	repo := &UserRepositoryMongo{
		client:     db.Client(),
		collection: db.Collection(UsersCollection),
	}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create %s indexes: %w", UsersCollection, err)
	}
	return repo, nil
}

func (r *UserRepositoryMongo) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetCollation(emailCollation),
		},
		{
			// Unique only for documents that carry the external link.
			Keys: bson.D{{Key: "external_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"external_id": bson.M{"$type": "string"}}),
		},
		{
			Keys: bson.D{{Key: "username", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"username": bson.M{"$type": "string"}}),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexModels)
	return err
}

func (r *UserRepositoryMongo) Create(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = NewObjectID()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user insert: %w", domain.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (r *UserRepositoryMongo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *UserRepositoryMongo) GetByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"external_id": externalID})
}

func (r *UserRepositoryMongo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"email": email}, options.FindOne().SetCollation(emailCollation))
}

// FindByExternalIDOrEmail matches case-insensitively on email via the shared
// collation. external_id comparison stays binary: provider ids are opaque and
// the collation cannot be applied per clause.
func (r *UserRepositoryMongo) FindByExternalIDOrEmail(ctx context.Context, externalID, email string) (*domain.User, error) {
	if externalID != "" {
		user, err := r.findOne(ctx, bson.M{"external_id": externalID})
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if email != "" {
		return r.GetByEmail(ctx, email)
	}
	return nil, domain.ErrNotFound
}

func (r *UserRepositoryMongo) findOne(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOneOptions]) (*domain.User, error) {
	var user domain.User
	err := r.collection.FindOne(ctx, filter, opts...).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepositoryMongo) Update(ctx context.Context, user *domain.User) error {
	user.UpdatedAt = time.Now().UTC()
	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": user.ID}, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user update: %w", domain.ErrDuplicate)
		}
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *UserRepositoryMongo) Delete(ctx context.Context, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// WithTransaction runs fn inside a causally consistent multi-document
// transaction. The session context handed to fn makes every repository call
// join the transaction, so locate-then-merge sequences for one identity
// serialize against each other.
func (r *UserRepositoryMongo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		return nil, fn(sessCtx)
	})
	if err != nil {
		log.Debug().Err(err).Msg("user transaction aborted")
	}
	return err
}

var _ domain.UserRepository = (*UserRepositoryMongo)(nil)
