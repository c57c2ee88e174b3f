package services

import (
	"context"
	"testing"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/evoke-labs/idbridge/internal/cms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeletionWorkerProcessesPending(t *testing.T) {
	tasks := newFakeTaskRepo()
	cmsAPI := newFakeCMS()
	cmsAPI.users["cms-1"] = &cms.User{ID: "cms-1", Email: "gone@example.com"}
	worker := NewDeletionWorker(tasks, cmsAPI)
	ctx := context.Background()

	require.NoError(t, tasks.Enqueue(ctx, &domain.DeletionTask{CMSIdentityID: "cms-1"}))

	done, failed, err := worker.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Zero(t, failed)
	assert.Empty(t, cmsAPI.users)

	pending, err := tasks.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeletionWorkerTreatsMissingIdentityAsDone(t *testing.T) {
	tasks := newFakeTaskRepo()
	worker := NewDeletionWorker(tasks, newFakeCMS())
	ctx := context.Background()

	require.NoError(t, tasks.Enqueue(ctx, &domain.DeletionTask{CMSIdentityID: "cms-gone"}))

	done, failed, err := worker.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Zero(t, failed)
}

func TestDeletionWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	tasks := newFakeTaskRepo()
	cmsAPI := newFakeCMS()
	cmsAPI.deleteUserErr = assert.AnError
	worker := NewDeletionWorker(tasks, cmsAPI)
	ctx := context.Background()

	task := &domain.DeletionTask{CMSIdentityID: "cms-1"}
	require.NoError(t, tasks.Enqueue(ctx, task))

	for i := 0; i < worker.maxAttempts; i++ {
		_, failed, err := worker.ProcessPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
	}

	// The task is out of the pending queue but kept for operators.
	pending, err := tasks.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.Len(t, tasks.tasks, 1)
	stored := tasks.tasks[0]
	assert.Equal(t, domain.DeletionFailed, stored.Status)
	assert.Equal(t, worker.maxAttempts, stored.Attempts)
	assert.NotEmpty(t, stored.LastError)
}
