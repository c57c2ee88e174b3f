package mongodb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

const (
	UsersCollection         = "identity_users"       // canonical identity records
	SyncErrorsCollection    = "identity_sync_errors" // error ledger
	DeletionTasksCollection = "cms_deletion_tasks"   // queued downstream deletions
)

var (
	clientInstance *mongo.Client
	clientOnce     sync.Once
)

// Connect initializes the shared MongoDB client and returns the named
// database. It should be called once at application startup.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	var err error
	clientOnce.Do(func() {
		clientOptions := options.Client().ApplyURI(uri)
		clientOptions.SetConnectTimeout(10 * time.Second)
		clientOptions.SetMonitor(otelmongo.NewMonitor())

		client, clientErr := mongo.Connect(clientOptions)
		if clientErr != nil {
			err = clientErr
			return
		}

		if pingErr := client.Ping(ctx, readpref.Primary()); pingErr != nil {
			err = pingErr
			return
		}
		clientInstance = client
		log.Info().Str("db", dbName).Msg("MongoDB client initialized")
	})
	if err != nil {
		return nil, err
	}
	if clientInstance == nil {
		return nil, errors.New("mongodb client not initialized")
	}
	return clientInstance.Database(dbName), nil
}

// Disconnect tears down the shared client.
func Disconnect(ctx context.Context) error {
	if clientInstance == nil {
		return nil
	}
	return clientInstance.Disconnect(ctx)
}
