package services

import (
	"context"
	"errors"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/evoke-labs/idbridge/internal/cms"
	"github.com/evoke-labs/idbridge/internal/metrics"
	"github.com/rs/zerolog/log"
)

const defaultMaxDeletionAttempts = 5

// DeletionWorker drains the downstream deletion queue against the content
// system. Tasks that keep failing are marked failed after a bounded number
// of attempts and stay queryable for operators.
type DeletionWorker struct {
	tasks       domain.DeletionTaskRepository
	cms         cms.API
	maxAttempts int
}

func NewDeletionWorker(tasks domain.DeletionTaskRepository, cmsAPI cms.API) *DeletionWorker {
	return &DeletionWorker{tasks: tasks, cms: cmsAPI, maxAttempts: defaultMaxDeletionAttempts}
}

// ProcessPending attempts every pending deletion task, up to limit. An
// identity already gone from the CMS counts as done.
func (w *DeletionWorker) ProcessPending(ctx context.Context, limit int) (done, failed int, err error) {
	tasks, err := w.tasks.ListPending(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, task := range tasks {
		deleteErr := w.cms.DeleteUser(ctx, task.CMSIdentityID)
		task.Attempts++

		switch {
		case deleteErr == nil, errors.Is(deleteErr, cms.ErrNotFound):
			task.Status = domain.DeletionDone
			task.LastError = ""
			done++
			metrics.DeletionTasksProcessedTotal.Inc()
		case task.Attempts >= w.maxAttempts:
			task.Status = domain.DeletionFailed
			task.LastError = deleteErr.Error()
			failed++
			log.Error().Err(deleteErr).Str("cms_identity_id", task.CMSIdentityID).Msg("downstream deletion gave up")
		default:
			task.LastError = deleteErr.Error()
			failed++
		}

		if updateErr := w.tasks.Update(ctx, task); updateErr != nil {
			log.Warn().Err(updateErr).Str("task_id", task.ID).Msg("failed to update deletion task")
		}
	}
	return done, failed, nil
}
