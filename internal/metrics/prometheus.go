package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	UsersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idbridge_users_created_total",
		Help: "Total number of canonical users created by upserts.",
	})
	UsersUpdatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idbridge_users_updated_total",
		Help: "Total number of canonical users updated by upserts.",
	})
	UpsertFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idbridge_upsert_failures_total",
		Help: "Total number of upserts that ended in the error ledger.",
	})
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idbridge_sweep_runs_total",
		Help: "Total number of reconciliation sweep runs.",
	})
	SweepSyncedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idbridge_sweep_synced_total",
		Help: "Total number of identities synced by full sweeps.",
	})
	SweepFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idbridge_sweep_failed_total",
		Help: "Total number of identities a full sweep failed to sync.",
	})
	DeletionTasksProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idbridge_deletion_tasks_processed_total",
		Help: "Total number of downstream deletion tasks completed.",
	})
)

// Register attaches all idbridge metrics to reg. Call once at startup.
func Register(reg prometheus.Registerer) {
	collectors := []prometheus.Collector{
		UsersCreatedTotal,
		UsersUpdatedTotal,
		UpsertFailuresTotal,
		SweepRunsTotal,
		SweepSyncedTotal,
		SweepFailedTotal,
		DeletionTasksProcessedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metric")
		}
	}
}
