package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/evoke-labs/idbridge/internal/cms"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

const roleCacheTTL = 10 * time.Minute

// fallbackRoleIDs is the last-known mapping of canonical roles to downstream
// role ids, used only when the live role lookup fails or returns nothing.
// Hitting it means the CMS role configuration has drifted.
var fallbackRoleIDs = map[domain.Role]string{
	domain.RoleContentAdmin: "a1f9c2ce-4f5d-4c9b-9a76-0d8df6a3e001",
	domain.RoleEditor:       "a1f9c2ce-4f5d-4c9b-9a76-0d8df6a3e002",
	domain.RoleWriter:       "a1f9c2ce-4f5d-4c9b-9a76-0d8df6a3e003",
}

// RoleSynchronizer is what the upsert engine needs from role sync.
type RoleSynchronizer interface {
	// Sync provisions or updates the downstream content identity required by
	// role and returns its id, or nil on failure or when the role needs none.
	Sync(ctx context.Context, user *domain.User, role domain.Role) *string
}

// RoleSyncService conditionally provisions a content-system identity for
// canonical roles that require one. It never lets a downstream outage break
// the upsert path: every failure is caught, recorded in the ledger, and
// converted into a nil identity id.
type RoleSyncService struct {
	users   domain.UserRepository
	cms     cms.API
	ledger  *ErrorLedger
	roleIDs *ttlcache.Cache[string, string]
}

// NewRoleSyncService creates a RoleSyncService with a TTL-bounded role-name
// lookup cache.
func NewRoleSyncService(users domain.UserRepository, cmsAPI cms.API, ledger *ErrorLedger) *RoleSyncService {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](roleCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &RoleSyncService{
		users:   users,
		cms:     cmsAPI,
		ledger:  ledger,
		roleIDs: cache,
	}
}

// Stop shuts down the cache's cleanup goroutine.
func (s *RoleSyncService) Stop() {
	s.roleIDs.Stop()
}

// Sync implements RoleSynchronizer.
func (s *RoleSyncService) Sync(ctx context.Context, user *domain.User, role domain.Role) *string {
	if !role.RequiresCMSIdentity() {
		// Previously provisioned identities persist; downstream identities
		// are never deleted by a role change.
		return user.CMSIdentityID
	}

	cmsID, err := s.sync(ctx, user, role)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Str("role", string(role)).Msg("downstream role sync failed")
		if _, recordErr := s.ledger.Record(ctx, LedgerEvent{
			Type:       domain.EventSyncFailed,
			ExternalID: derefString(user.ExternalID),
			Email:      user.Email,
			UserID:     user.ID,
			Message:    err.Error(),
			Payload:    map[string]any{"role": string(role)},
		}); recordErr != nil {
			log.Error().Err(recordErr).Msg("failed to record role sync failure in ledger")
		}
		return nil
	}
	return &cmsID
}

func (s *RoleSyncService) sync(ctx context.Context, user *domain.User, role domain.Role) (string, error) {
	roleID := s.resolveRoleID(ctx, role)

	identity, err := s.locateIdentity(ctx, user)
	if err != nil && !errors.Is(err, cms.ErrNotFound) {
		return "", fmt.Errorf("cms identity lookup failed: %w", err)
	}

	desired := &cms.User{
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		RoleID:    roleID,
		Status:    "active",
	}

	if identity != nil {
		identity, err = s.cms.UpdateUser(ctx, identity.ID, desired)
		if err != nil {
			return "", fmt.Errorf("cms identity update failed: %w", err)
		}
	} else {
		identity, err = s.cms.CreateUser(ctx, desired)
		if err != nil {
			return "", fmt.Errorf("cms identity creation failed: %w", err)
		}
	}

	if role == domain.RoleWriter {
		if err := s.ensureDefaultContainer(ctx, user, identity.ID); err != nil {
			// The identity exists; a missing container is repairable on the
			// next role sync.
			log.Warn().Err(err).Str("user_id", user.ID).Msg("default container provisioning failed")
		}
	}

	if user.CMSIdentityID == nil || *user.CMSIdentityID != identity.ID {
		user.CMSIdentityID = &identity.ID
		if err := s.users.Update(ctx, user); err != nil {
			return "", fmt.Errorf("failed to persist cms identity id: %w", err)
		}
	}
	return identity.ID, nil
}

// resolveRoleID maps a canonical role onto the downstream role id, caching
// successful lookups. The hard-coded fallback is a warning sign, not a
// feature: it means the CMS no longer knows the role by name.
func (s *RoleSyncService) resolveRoleID(ctx context.Context, role domain.Role) string {
	if item := s.roleIDs.Get(string(role)); item != nil {
		return item.Value()
	}

	cmsRole, err := s.cms.FindRoleByName(ctx, string(role))
	if err == nil && cmsRole != nil && cmsRole.ID != "" {
		s.roleIDs.Set(string(role), cmsRole.ID, ttlcache.DefaultTTL)
		return cmsRole.ID
	}

	fallback := fallbackRoleIDs[role]
	log.Warn().Err(err).
		Str("role", string(role)).
		Str("fallback_role_id", fallback).
		Msg("cms role lookup failed, using hard-coded fallback; role configuration has drifted")
	return fallback
}

func (s *RoleSyncService) locateIdentity(ctx context.Context, user *domain.User) (*cms.User, error) {
	if user.CMSIdentityID != nil && *user.CMSIdentityID != "" {
		identity, err := s.cms.FindUserByID(ctx, *user.CMSIdentityID)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, cms.ErrNotFound) {
			return nil, err
		}
		// Stored id is stale; fall through to the email lookup.
	}
	return s.cms.FindUserByEmail(ctx, user.Email)
}

// ensureDefaultContainer provisions the writer's default content container,
// checking first so repeated syncs stay idempotent.
func (s *RoleSyncService) ensureDefaultContainer(ctx context.Context, user *domain.User, cmsIdentityID string) error {
	_, err := s.cms.FindContainerByOwner(ctx, cmsIdentityID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, cms.ErrNotFound) {
		return err
	}

	_, err = s.cms.CreateContainer(ctx, &cms.Container{
		Name:    defaultContainerName(user),
		OwnerID: cmsIdentityID,
	})
	return err
}

func defaultContainerName(user *domain.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		if at := strings.IndexByte(user.Email, '@'); at > 0 {
			name = user.Email[:at]
		} else {
			name = user.Email
		}
	}
	return name + "'s space"
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ RoleSynchronizer = (*RoleSyncService)(nil)
