package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by repositories when a lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates a unique index
	// (external id, email or username already taken).
	ErrDuplicate = errors.New("duplicate record")

	// ErrIdentityNotFound is returned by ProviderDirectory lookups.
	ErrIdentityNotFound = errors.New("external identity not found")
)

// UserRepository persists canonical users. Implementations must enforce
// uniqueness of external_id, email and username via storage-level indexes so
// that concurrent writers cannot create duplicates.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByExternalID(ctx context.Context, externalID string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)

	// FindByExternalIDOrEmail returns the single user matching either
	// correlation key, or ErrNotFound. Inside a transaction this is the
	// locate step of the upsert; the transaction serializes concurrent
	// merges of the same identity.
	FindByExternalIDOrEmail(ctx context.Context, externalID, email string) (*User, error)

	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, id string) error

	// WithTransaction runs fn inside a storage transaction. The context
	// passed to fn carries the transaction; all repository calls made with
	// it join it.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// SyncErrorRepository persists the error ledger. Records are append-mostly:
// after insertion only the retry counter, handled and exhausted flags change.
type SyncErrorRepository interface {
	Insert(ctx context.Context, rec *SyncErrorRecord) error
	GetByID(ctx context.Context, id string) (*SyncErrorRecord, error)

	// ListUnhandled returns unhandled, non-exhausted records, oldest first.
	// An empty eventType matches all types.
	ListUnhandled(ctx context.Context, eventType SyncEventType, limit int) ([]*SyncErrorRecord, error)

	// ListRetryable returns unhandled records of the given type with a retry
	// count strictly below maxRetries, oldest first.
	ListRetryable(ctx context.Context, eventType SyncEventType, maxRetries, limit int) ([]*SyncErrorRecord, error)

	// ListExhausted returns records flagged out of retries, oldest first. An
	// empty eventType matches all types.
	ListExhausted(ctx context.Context, eventType SyncEventType, limit int) ([]*SyncErrorRecord, error)

	MarkHandled(ctx context.Context, id string) error

	// IncrementRetry bumps the retry counter and, when exhausted is set,
	// flags the record as out of retries so operators can find it.
	IncrementRetry(ctx context.Context, id string, exhausted bool) error

	Stats(ctx context.Context) (*SyncErrorStats, error)
}

// DeletionTaskStatus is the lifecycle state of a queued downstream deletion.
type DeletionTaskStatus string

const (
	DeletionPending DeletionTaskStatus = "pending"
	DeletionDone    DeletionTaskStatus = "done"
	DeletionFailed  DeletionTaskStatus = "failed" // gave up after max attempts
)

// DeletionTask is a queued request to delete a downstream content identity
// after its canonical user was removed. Queued instead of fired inline so the
// delete survives CMS outages and is observable.
type DeletionTask struct {
	ID            string             `bson:"_id,omitempty"`
	CMSIdentityID string             `bson:"cms_identity_id"`
	Status        DeletionTaskStatus `bson:"status"`
	Attempts      int                `bson:"attempts"`
	LastError     string             `bson:"last_error,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

// DeletionTaskRepository persists the downstream deletion queue.
type DeletionTaskRepository interface {
	Enqueue(ctx context.Context, task *DeletionTask) error
	ListPending(ctx context.Context, limit int) ([]*DeletionTask, error)
	Update(ctx context.Context, task *DeletionTask) error
}
