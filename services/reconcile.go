package services

import (
	"context"
	"errors"
	"sync"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/evoke-labs/idbridge/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultSweepBatchSize = 50
	defaultMaxRetries     = 5
)

// SweepLocker guards against concurrent sweeps across instances. A nil
// locker disables the guard (single-instance deployments, tests).
type SweepLocker interface {
	Acquire(ctx context.Context) (token string, acquired bool, err error)
	Release(ctx context.Context, token string) error
}

// RetryCounts summarizes the retry pass.
type RetryCounts struct {
	Examined  int `json:"examined"`
	Succeeded int `json:"succeeded"`
	Missing   int `json:"missing"` // identity gone from the provider
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"` // hit the retry ceiling this pass
}

// RepairCounts summarizes the missing-mapping pass.
type RepairCounts struct {
	Examined      int `json:"examined"`
	Repaired      int `json:"repaired"`
	AlreadyLinked int `json:"already_linked"`
	Accepted      int `json:"accepted"` // unrepairable, marked handled anyway
}

// SweepCounts summarizes the full provider scan.
type SweepCounts struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ReconcileReport is the outcome of one reconciliation run.
type ReconcileReport struct {
	RunID       string       `json:"run_id"`
	LockSkipped bool         `json:"lock_skipped"` // another instance holds the sweep lock
	Retry       RetryCounts  `json:"retry"`
	Repair      RepairCounts `json:"repair"`
	Sweep       SweepCounts  `json:"sweep"`
}

// ReconcileService heals drift between the external provider's identity
// store and the canonical store: it retries previously-failed upserts,
// repairs records lacking a cross-system mapping, and scans the provider for
// identities the canonical store never saw. The three passes are isolated; a
// failure in one never aborts the others.
type ReconcileService struct {
	ledger    *ErrorLedger
	users     domain.UserRepository
	directory domain.ProviderDirectory
	upsert    *UpsertService
	locker    SweepLocker

	provider   string
	batchSize  int
	maxRetries int
}

// NewReconcileService creates a ReconcileService. batchSize/maxRetries <= 0
// select the defaults (50 and 5).
func NewReconcileService(
	ledger *ErrorLedger,
	users domain.UserRepository,
	directory domain.ProviderDirectory,
	upsert *UpsertService,
	locker SweepLocker,
	providerLabel string,
) *ReconcileService {
	return &ReconcileService{
		ledger:     ledger,
		users:      users,
		directory:  directory,
		upsert:     upsert,
		locker:     locker,
		provider:   providerLabel,
		batchSize:  defaultSweepBatchSize,
		maxRetries: defaultMaxRetries,
	}
}

// Run executes one reconciliation: retry and repair passes concurrently
// (they touch disjoint event-type partitions of the ledger), then the full
// provider scan.
func (s *ReconcileService) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{RunID: uuid.NewString()}

	if s.locker != nil {
		token, acquired, err := s.locker.Acquire(ctx)
		if err != nil {
			return report, err
		}
		if !acquired {
			report.LockSkipped = true
			log.Info().Str("run_id", report.RunID).Msg("sweep lock held elsewhere, skipping run")
			return report, nil
		}
		defer func() {
			if err := s.locker.Release(ctx, token); err != nil {
				log.Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	metrics.SweepRunsTotal.Inc()
	log.Info().Str("run_id", report.RunID).Msg("reconciliation run started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		report.Retry = s.retryFailedUpserts(ctx, report.RunID)
	}()
	go func() {
		defer wg.Done()
		report.Repair = s.repairMissingMappings(ctx, report.RunID)
	}()
	wg.Wait()

	report.Sweep = s.FullSweep(ctx, report.RunID)

	log.Info().
		Str("run_id", report.RunID).
		Int("retry_succeeded", report.Retry.Succeeded).
		Int("repaired", report.Repair.Repaired).
		Int("swept", report.Sweep.Synced).
		Msg("reconciliation run finished")
	return report, nil
}

// retryFailedUpserts re-runs unhandled upsert-failed records still under the
// retry ceiling, oldest first. Records that hit the ceiling are flagged
// exhausted so operators can see them instead of silently falling out of the
// retry query.
func (s *ReconcileService) retryFailedUpserts(ctx context.Context, runID string) RetryCounts {
	var counts RetryCounts

	records, err := s.ledger.Retryable(ctx, domain.EventUpsertFailed, s.maxRetries, s.batchSize)
	if err != nil {
		s.recordPassFailure(ctx, runID, "retry", err)
		return counts
	}
	counts.Examined = len(records)

	for _, rec := range records {
		if rec.ExternalID == "" {
			// Nothing to re-fetch; accept and move on.
			s.markHandled(ctx, rec.ID)
			continue
		}

		identity, err := s.directory.GetByExternalID(ctx, rec.ExternalID)
		if err != nil {
			if errors.Is(err, domain.ErrIdentityNotFound) {
				counts.Missing++
				counts.Exhausted += s.incrementRetry(ctx, rec)
			} else {
				// Provider unreachable; leave the record for the next run.
				counts.Failed++
			}
			continue
		}

		outcome := s.upsert.Upsert(ctx, s.asserted(identity))
		if outcome.OK() {
			counts.Succeeded++
			s.markHandled(ctx, rec.ID)
		} else {
			counts.Failed++
			counts.Exhausted += s.incrementRetry(ctx, rec)
		}
	}
	return counts
}

// repairMissingMappings resolves unhandled missing-mapping records. Each
// record is marked handled regardless of outcome: a repair that cannot
// succeed is accepted rather than reprocessed forever.
func (s *ReconcileService) repairMissingMappings(ctx context.Context, runID string) RepairCounts {
	var counts RepairCounts

	records, err := s.ledger.Unhandled(ctx, domain.EventMissingMapping, s.batchSize)
	if err != nil {
		s.recordPassFailure(ctx, runID, "repair", err)
		return counts
	}
	counts.Examined = len(records)

	for _, rec := range records {
		if rec.ExternalID == "" {
			counts.Accepted++
			s.markHandled(ctx, rec.ID)
			continue
		}

		if _, err := s.users.GetByExternalID(ctx, rec.ExternalID); err == nil {
			counts.AlreadyLinked++
			s.markHandled(ctx, rec.ID)
			continue
		}

		identity, err := s.directory.GetByExternalID(ctx, rec.ExternalID)
		if err != nil {
			counts.Accepted++
			s.markHandled(ctx, rec.ID)
			continue
		}

		if outcome := s.upsert.Upsert(ctx, s.asserted(identity)); outcome.OK() {
			counts.Repaired++
		} else {
			counts.Accepted++
		}
		s.markHandled(ctx, rec.ID)
	}
	return counts
}

// FullSweep scans every identity in the provider's store and upserts the
// ones the canonical store does not know, by external id or email.
func (s *ReconcileService) FullSweep(ctx context.Context, runID string) SweepCounts {
	var counts SweepCounts

	for page := 1; ; page++ {
		identities, err := s.directory.List(ctx, page, s.batchSize)
		if err != nil {
			s.recordPassFailure(ctx, runID, "sweep", err)
			return counts
		}
		if len(identities) == 0 {
			break
		}

		for _, identity := range identities {
			_, err := s.users.FindByExternalIDOrEmail(ctx, identity.ExternalID, identity.Email)
			switch {
			case err == nil:
				counts.Skipped++
				continue
			case !errors.Is(err, domain.ErrNotFound):
				counts.Failed++
				continue
			}

			if outcome := s.upsert.Upsert(ctx, s.asserted(identity)); outcome.OK() {
				counts.Synced++
				metrics.SweepSyncedTotal.Inc()
			} else {
				counts.Failed++
				metrics.SweepFailedTotal.Inc()
			}
		}
	}
	return counts
}

func (s *ReconcileService) asserted(identity *domain.ExternalIdentity) AssertedIdentity {
	return AssertedIdentity{
		Provider:    s.provider,
		ExternalID:  identity.ExternalID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Username:    identity.Username,
	}
}

func (s *ReconcileService) markHandled(ctx context.Context, id string) {
	if err := s.ledger.MarkHandled(ctx, id); err != nil {
		log.Warn().Err(err).Str("record_id", id).Msg("failed to mark ledger record handled")
	}
}

// incrementRetry bumps the record's retry counter and returns 1 when this
// bump exhausted it.
func (s *ReconcileService) incrementRetry(ctx context.Context, rec *domain.SyncErrorRecord) int {
	exhausted := rec.RetryCount+1 >= s.maxRetries
	if err := s.ledger.IncrementRetry(ctx, rec.ID, exhausted); err != nil {
		log.Warn().Err(err).Str("record_id", rec.ID).Msg("failed to increment ledger retry counter")
		return 0
	}
	if exhausted {
		return 1
	}
	return 0
}

// recordPassFailure logs a failure of a whole pass, as opposed to an
// individual item within it.
func (s *ReconcileService) recordPassFailure(ctx context.Context, runID, pass string, cause error) {
	log.Error().Err(cause).Str("run_id", runID).Str("pass", pass).Msg("reconciliation pass failed")
	if _, err := s.ledger.Record(ctx, LedgerEvent{
		Type:     domain.EventReconciliationFailed,
		Provider: s.provider,
		Message:  cause.Error(),
		Payload:  map[string]any{"run_id": runID, "pass": pass},
	}); err != nil {
		log.Error().Err(err).Msg("failed to record reconciliation failure in ledger")
	}
}
