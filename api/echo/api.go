// Package echo exposes the provider event webhook and the operator surface
// over HTTP.
package echo

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/evoke-labs/idbridge/services"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// BridgeAPI holds the HTTP surface's dependencies.
type BridgeAPI struct {
	upsert    *services.UpsertService
	ledger    *services.ErrorLedger
	reconcile *services.ReconcileService
	admin     *services.AdminService
}

// NewBridgeAPI initializes the HTTP API.
func NewBridgeAPI(
	upsert *services.UpsertService,
	ledger *services.ErrorLedger,
	reconcile *services.ReconcileService,
	admin *services.AdminService,
) *BridgeAPI {
	return &BridgeAPI{
		upsert:    upsert,
		ledger:    ledger,
		reconcile: reconcile,
		admin:     admin,
	}
}

// RegisterRoutes registers all routes.
func (a *BridgeAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/events/provider", a.ProviderEventHandler)

	e.POST("/admin/reconcile", a.ReconcileHandler)
	e.GET("/admin/sync-errors", a.ListSyncErrorsHandler)
	e.GET("/admin/sync-errors/stats", a.SyncErrorStatsHandler)
	e.POST("/admin/sync-errors/:id/handled", a.MarkHandledHandler)
	e.POST("/admin/users/:id/role", a.SetRoleHandler)
	e.POST("/admin/users/:id/active", a.SetActiveHandler)
	e.DELETE("/admin/users/:id", a.DeleteUserHandler)

	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// providerEvent is the callback shape delivered by the authentication
// provider on sign-up, sign-in and failed sign-in.
type providerEvent struct {
	Type string `json:"type"` // signup | signin | signin_failed
	User struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		DisplayName   string `json:"display_name"`
		AvatarURL     string `json:"avatar_url"`
		Username      string `json:"username"`
		EmailVerified bool   `json:"email_verified"`
	} `json:"user"`
	Provider string `json:"provider"`
}

// ProviderEventHandler feeds provider events into the upsert engine. It
// always answers 204: a sync failure must never break the provider's own
// event pipeline, and the failure is already in the ledger.
func (a *BridgeAPI) ProviderEventHandler(c echo.Context) error {
	var event providerEvent
	if err := c.Bind(&event); err != nil {
		log.Warn().Err(err).Msg("undecodable provider event")
		return c.NoContent(http.StatusNoContent)
	}

	ctx := c.Request().Context()
	switch event.Type {
	case "signup", "signin":
		outcome := a.upsert.Upsert(ctx, services.AssertedIdentity{
			Provider:    event.Provider,
			ExternalID:  event.User.ID,
			Email:       event.User.Email,
			DisplayName: event.User.DisplayName,
			AvatarURL:   event.User.AvatarURL,
			Username:    event.User.Username,
			RequestPath: c.Request().URL.Path,
			ClientIP:    c.RealIP(),
		})
		if !outcome.OK() {
			log.Warn().
				Str("status", string(outcome.Status)).
				Str("external_id", event.User.ID).
				Msg("provider event upsert did not produce a user")
		}
	case "signin_failed":
		a.upsert.RecordFailedSignIn(ctx, event.User.ID)
	default:
		log.Warn().Str("type", event.Type).Msg("unknown provider event type")
	}
	return c.NoContent(http.StatusNoContent)
}

// ReconcileHandler triggers a reconciliation run and returns its report.
func (a *BridgeAPI) ReconcileHandler(c echo.Context) error {
	report, err := a.reconcile.Run(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, report)
}

// ListSyncErrorsHandler lists unhandled ledger records, or the exhausted ones
// with ?exhausted=true (those need operator intervention and are excluded
// from the unhandled set).
func (a *BridgeAPI) ListSyncErrorsHandler(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = parsed
	}
	eventType := domain.SyncEventType(c.QueryParam("type"))

	var (
		records []*domain.SyncErrorRecord
		err     error
	)
	if c.QueryParam("exhausted") == "true" {
		records, err = a.ledger.Exhausted(c.Request().Context(), eventType, limit)
	} else {
		records, err = a.ledger.Unhandled(c.Request().Context(), eventType, limit)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

func (a *BridgeAPI) SyncErrorStatsHandler(c echo.Context) error {
	stats, err := a.ledger.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (a *BridgeAPI) MarkHandledHandler(c echo.Context) error {
	err := a.ledger.MarkHandled(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "sync error record not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *BridgeAPI) SetRoleHandler(c echo.Context) error {
	var body struct {
		Role string `json:"role"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}

	user, err := a.admin.SetRole(c.Request().Context(), c.Param("id"), domain.Role(body.Role))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, user)
}

func (a *BridgeAPI) SetActiveHandler(c echo.Context) error {
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}

	user, err := a.admin.SetActive(c.Request().Context(), c.Param("id"), body.Active)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, user)
}

func (a *BridgeAPI) DeleteUserHandler(c echo.Context) error {
	err := a.admin.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
