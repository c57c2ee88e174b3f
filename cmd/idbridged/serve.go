package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	echoapi "github.com/evoke-labs/idbridge/api/echo"
	"github.com/evoke-labs/idbridge/cache"
	"github.com/evoke-labs/idbridge/config"
	"github.com/evoke-labs/idbridge/internal/cms"
	"github.com/evoke-labs/idbridge/internal/metrics"
	"github.com/evoke-labs/idbridge/internal/provider"
	applog "github.com/evoke-labs/idbridge/log"
	"github.com/evoke-labs/idbridge/mongodb"
	"github.com/evoke-labs/idbridge/services"
	"github.com/evoke-labs/idbridge/tracing"
)

const (
	deletionWorkerInterval = time.Minute
	deletionWorkerBatch    = 20
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge HTTP server and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tp, err := tracing.InitTracerProvider("idbridge")
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn(context.Background(), "tracer provider shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}()

		app, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.close(context.Background())

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Recover())
		e.Use(middleware.RequestID())

		api := echoapi.NewBridgeAPI(app.upsert, app.ledger, app.reconcile, app.admin)
		api.RegisterRoutes(e)

		go app.runDeletionWorker(ctx)

		go func() {
			addr := ":" + cfg.HTTPPort
			logger.Info(ctx, "bridge HTTP server listening", map[string]interface{}{"addr": addr})
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal(ctx, "HTTP server failed", err)
			}
		}()

		<-ctx.Done()
		logger.Info(context.Background(), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	},
}

// setupLogging configures the global zerolog level the services log through
// and returns the structured logger used for lifecycle messages.
func setupLogging(cfg *config.Config) applog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return applog.NewZerologAdapter(level, cfg.LogPretty)
}

// app bundles the wired components shared by the serve and sweep commands.
type app struct {
	upsert    *services.UpsertService
	ledger    *services.ErrorLedger
	reconcile *services.ReconcileService
	admin     *services.AdminService
	worker    *services.DeletionWorker
	roleSync  *services.RoleSyncService
	logger    applog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger applog.Logger) (*app, error) {
	db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return nil, err
	}

	users, err := mongodb.NewUserRepositoryMongo(ctx, db)
	if err != nil {
		return nil, err
	}
	syncErrors, err := mongodb.NewSyncErrorRepositoryMongo(ctx, db)
	if err != nil {
		return nil, err
	}
	tasks, err := mongodb.NewDeletionTaskRepositoryMongo(ctx, db)
	if err != nil {
		return nil, err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	ledger := services.NewErrorLedger(syncErrors, cfg.LedgerHashCost)
	timeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second

	var (
		roleSync *services.RoleSyncService
		cmsAPI   cms.API
		worker   *services.DeletionWorker
	)
	if cfg.CMSBaseURL != "" {
		cmsAPI = cms.NewClient(cfg.CMSBaseURL, cfg.CMSToken, timeout)
		roleSync = services.NewRoleSyncService(users, cmsAPI, ledger)
		worker = services.NewDeletionWorker(tasks, cmsAPI)
	} else {
		logger.Warn(ctx, "no CMS configured, downstream role sync disabled")
	}

	// The interface-typed handle stays nil-comparable for the services.
	var roleSyncIface services.RoleSynchronizer
	if roleSync != nil {
		roleSyncIface = roleSync
	}

	upsert := services.NewUpsertService(users, ledger, roleSyncIface)
	directory := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderToken, timeout)

	var locker services.SweepLocker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker = cache.NewSweepLock(rdb, "idbridge:sweep-lock", 0)
	} else {
		logger.Warn(ctx, "no Redis configured, sweep runs are not mutually exclusive across instances")
	}

	reconcile := services.NewReconcileService(ledger, users, directory, upsert, locker, cfg.ProviderLabel)
	admin := services.NewAdminService(users, roleSyncIface, tasks)

	return &app{
		upsert:    upsert,
		ledger:    ledger,
		reconcile: reconcile,
		admin:     admin,
		worker:    worker,
		roleSync:  roleSync,
		logger:    logger,
	}, nil
}

func (a *app) runDeletionWorker(ctx context.Context) {
	if a.worker == nil {
		return
	}
	ticker := time.NewTicker(deletionWorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, failed, err := a.worker.ProcessPending(ctx, deletionWorkerBatch)
			if err != nil {
				a.logger.Warn(ctx, "deletion worker pass failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if done > 0 || failed > 0 {
				a.logger.Info(ctx, "deletion worker pass finished", map[string]interface{}{"done": done, "failed": failed})
			}
		}
	}
}

func (a *app) close(ctx context.Context) {
	if a.roleSync != nil {
		a.roleSync.Stop()
	}
	if err := mongodb.Disconnect(ctx); err != nil {
		a.logger.Warn(ctx, "mongodb disconnect failed", map[string]interface{}{"error": err.Error()})
	}
}
