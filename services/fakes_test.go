package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/evoke-labs/idbridge/internal/cms"
)

// fakeUserRepo is an in-memory UserRepository with the same uniqueness
// guarantees the Mongo indexes give the real one. WithTransaction serializes
// callers on a mutex, which is exactly the behavior concurrent upserts rely
// on.
type fakeUserRepo struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	seq   int
	users map[string]*domain.User

	// createErr, when set, fails the next Create with it and clears itself.
	createErr error
	// raceUser, when set, is inserted by a simulated concurrent writer at the
	// moment of the next Create, which then fails with ErrDuplicate.
	raceUser *domain.User
	// updateErr fails every Update.
	updateErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[string]*domain.User{}}
}

func (r *fakeUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		err := r.createErr
		r.createErr = nil
		return err
	}
	if r.raceUser != nil {
		winner := r.raceUser
		r.raceUser = nil
		r.seq++
		winner.ID = "u" + strconv.Itoa(r.seq)
		winner.CreatedAt = time.Now().UTC()
		winner.UpdatedAt = winner.CreatedAt
		clone := *winner
		r.users[winner.ID] = &clone
		return domain.ErrDuplicate
	}
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return domain.ErrDuplicate
		}
		if user.ExternalID != nil && existing.ExternalID != nil && *existing.ExternalID == *user.ExternalID {
			return domain.ErrDuplicate
		}
		if user.Username != nil && existing.Username != nil && *existing.Username == *user.Username {
			return domain.ErrDuplicate
		}
	}

	r.seq++
	user.ID = "u" + strconv.Itoa(r.seq)
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *fakeUserRepo) GetByExternalID(_ context.Context, externalID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.ExternalID != nil && *user.ExternalID == externalID {
			clone := *user
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUserRepo) FindByExternalIDOrEmail(_ context.Context, externalID, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.ExternalID != nil && *user.ExternalID == externalID {
			clone := *user
			return &clone, nil
		}
	}
	for _, user := range r.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUserRepo) Update(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.users[user.ID]; !ok {
		return domain.ErrNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *fakeUserRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *fakeUserRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(ctx)
}

func (r *fakeUserRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// fakeSyncErrorRepo is an in-memory SyncErrorRepository.
type fakeSyncErrorRepo struct {
	mu      sync.Mutex
	seq     int
	records []*domain.SyncErrorRecord

	insertErr error
}

func newFakeSyncErrorRepo() *fakeSyncErrorRepo {
	return &fakeSyncErrorRepo{}
}

func (r *fakeSyncErrorRepo) Insert(_ context.Context, rec *domain.SyncErrorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.seq++
	rec.ID = "e" + strconv.Itoa(r.seq)
	rec.CreatedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CreatedAt
	clone := *rec
	r.records = append(r.records, &clone)
	return nil
}

func (r *fakeSyncErrorRepo) GetByID(_ context.Context, id string) (*domain.SyncErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeSyncErrorRepo) ListUnhandled(_ context.Context, eventType domain.SyncEventType, limit int) ([]*domain.SyncErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SyncErrorRecord
	for _, rec := range r.records {
		if rec.Handled || rec.Exhausted {
			continue
		}
		if eventType != "" && rec.EventType != eventType {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeSyncErrorRepo) ListRetryable(_ context.Context, eventType domain.SyncEventType, maxRetries, limit int) ([]*domain.SyncErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SyncErrorRecord
	for _, rec := range r.records {
		if rec.Handled || rec.Exhausted || rec.EventType != eventType || rec.RetryCount >= maxRetries {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeSyncErrorRepo) ListExhausted(_ context.Context, eventType domain.SyncEventType, limit int) ([]*domain.SyncErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SyncErrorRecord
	for _, rec := range r.records {
		if !rec.Exhausted {
			continue
		}
		if eventType != "" && rec.EventType != eventType {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeSyncErrorRepo) MarkHandled(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.Handled = true
			rec.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *fakeSyncErrorRepo) IncrementRetry(_ context.Context, id string, exhausted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.RetryCount++
			rec.Exhausted = exhausted
			rec.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *fakeSyncErrorRepo) Stats(_ context.Context) (*domain.SyncErrorStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &domain.SyncErrorStats{ByType: map[domain.SyncEventType]int64{}}
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	for _, rec := range r.records {
		stats.Total++
		if !rec.Handled {
			stats.Unhandled++
		}
		if rec.Exhausted {
			stats.Exhausted++
		}
		if rec.CreatedAt.After(cutoff) {
			stats.Last24h++
		}
		stats.ByType[rec.EventType]++
	}
	return stats, nil
}

func (r *fakeSyncErrorRepo) byType(eventType domain.SyncEventType) []*domain.SyncErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SyncErrorRecord
	for _, rec := range r.records {
		if rec.EventType == eventType {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out
}

// fakeTaskRepo is an in-memory DeletionTaskRepository.
type fakeTaskRepo struct {
	mu    sync.Mutex
	seq   int
	tasks []*domain.DeletionTask
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{}
}

func (r *fakeTaskRepo) Enqueue(_ context.Context, task *domain.DeletionTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	task.ID = "t" + strconv.Itoa(r.seq)
	task.Status = domain.DeletionPending
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt
	clone := *task
	r.tasks = append(r.tasks, &clone)
	return nil
}

func (r *fakeTaskRepo) ListPending(_ context.Context, limit int) ([]*domain.DeletionTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.DeletionTask
	for _, task := range r.tasks {
		if task.Status != domain.DeletionPending {
			continue
		}
		clone := *task
		out = append(out, &clone)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) Update(_ context.Context, task *domain.DeletionTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.tasks {
		if existing.ID == task.ID {
			task.UpdatedAt = time.Now().UTC()
			clone := *task
			r.tasks[i] = &clone
			return nil
		}
	}
	return domain.ErrNotFound
}

// fakeDirectory is an in-memory ProviderDirectory.
type fakeDirectory struct {
	mu         sync.Mutex
	identities []*domain.ExternalIdentity

	// errByID fails GetByExternalID for the listed ids.
	errByID map[string]error
}

func newFakeDirectory(identities ...*domain.ExternalIdentity) *fakeDirectory {
	return &fakeDirectory{identities: identities, errByID: map[string]error{}}
}

func (d *fakeDirectory) GetByExternalID(_ context.Context, externalID string) (*domain.ExternalIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.errByID[externalID]; ok {
		return nil, err
	}
	for _, identity := range d.identities {
		if identity.ExternalID == externalID {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, domain.ErrIdentityNotFound
}

func (d *fakeDirectory) GetByEmail(_ context.Context, email string) (*domain.ExternalIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, identity := range d.identities {
		if identity.Email == email {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, domain.ErrIdentityNotFound
}

func (d *fakeDirectory) List(_ context.Context, page, perPage int) ([]*domain.ExternalIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := (page - 1) * perPage
	if start >= len(d.identities) {
		return nil, nil
	}
	end := start + perPage
	if end > len(d.identities) {
		end = len(d.identities)
	}
	out := make([]*domain.ExternalIdentity, 0, end-start)
	for _, identity := range d.identities[start:end] {
		clone := *identity
		out = append(out, &clone)
	}
	return out, nil
}

// fakeCMS is an in-memory cms.API.
type fakeCMS struct {
	mu         sync.Mutex
	seq        int
	roles      map[string]string // name -> id
	users      map[string]*cms.User
	containers map[string]*cms.Container // keyed by owner id

	roleLookupErr error
	createUserErr error
	deleteUserErr error

	roleLookups      int
	containerCreates int
}

func newFakeCMS() *fakeCMS {
	return &fakeCMS{
		roles:      map[string]string{},
		users:      map[string]*cms.User{},
		containers: map[string]*cms.Container{},
	}
}

func (c *fakeCMS) FindRoleByName(_ context.Context, name string) (*cms.Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roleLookups++
	if c.roleLookupErr != nil {
		return nil, c.roleLookupErr
	}
	id, ok := c.roles[name]
	if !ok {
		return nil, cms.ErrNotFound
	}
	return &cms.Role{ID: id, Name: name}, nil
}

func (c *fakeCMS) FindUserByID(_ context.Context, id string) (*cms.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[id]
	if !ok {
		return nil, cms.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (c *fakeCMS) FindUserByEmail(_ context.Context, email string) (*cms.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, user := range c.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, cms.ErrNotFound
}

func (c *fakeCMS) CreateUser(_ context.Context, user *cms.User) (*cms.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createUserErr != nil {
		return nil, c.createUserErr
	}
	c.seq++
	clone := *user
	clone.ID = fmt.Sprintf("cms-%d", c.seq)
	c.users[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (c *fakeCMS) UpdateUser(_ context.Context, id string, user *cms.User) (*cms.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[id]; !ok {
		return nil, cms.ErrNotFound
	}
	clone := *user
	clone.ID = id
	c.users[id] = &clone
	out := clone
	return &out, nil
}

func (c *fakeCMS) DeleteUser(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteUserErr != nil {
		return c.deleteUserErr
	}
	if _, ok := c.users[id]; !ok {
		return cms.ErrNotFound
	}
	delete(c.users, id)
	return nil
}

func (c *fakeCMS) FindContainerByOwner(_ context.Context, ownerID string) (*cms.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	container, ok := c.containers[ownerID]
	if !ok {
		return nil, cms.ErrNotFound
	}
	clone := *container
	return &clone, nil
}

func (c *fakeCMS) CreateContainer(_ context.Context, container *cms.Container) (*cms.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.containerCreates++
	clone := *container
	clone.ID = fmt.Sprintf("cnt-%d", c.seq)
	c.containers[clone.OwnerID] = &clone
	out := clone
	return &out, nil
}

// fakeLock is an in-memory SweepLocker.
type fakeLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
}

func (l *fakeLock) Acquire(context.Context) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.held {
		return "", false, nil
	}
	l.held = true
	return "tok", true, nil
}

func (l *fakeLock) Release(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	l.held = false
	return nil
}
