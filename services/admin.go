package services

import (
	"context"
	"fmt"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/rs/zerolog/log"
)

// AdminService backs the operator surface: role changes, activity toggles
// and deletion of canonical users. Unlike the event path, these operations
// return errors — an operator can see and react to them.
type AdminService struct {
	users    domain.UserRepository
	roleSync RoleSynchronizer
	tasks    domain.DeletionTaskRepository
}

func NewAdminService(users domain.UserRepository, roleSync RoleSynchronizer, tasks domain.DeletionTaskRepository) *AdminService {
	return &AdminService{users: users, roleSync: roleSync, tasks: tasks}
}

// SetRole applies an explicit role change and, when the new role requires a
// content identity, provisions it downstream. A previously-provisioned
// CMSIdentityID is never dropped by a role change.
func (s *AdminService) SetRole(ctx context.Context, userID string, role domain.Role) (*domain.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	user.Role = role
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	if role.RequiresCMSIdentity() && s.roleSync != nil {
		if cmsID := s.roleSync.Sync(ctx, user, role); cmsID != nil {
			user.CMSIdentityID = cmsID
		}
	}
	return user, nil
}

// SetActive toggles the activation flag.
func (s *AdminService) SetActive(ctx context.Context, userID string, active bool) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.Active = &active
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Delete removes the canonical record and, when a downstream identity was
// provisioned, queues its deletion. The queue entry survives CMS outages and
// is retried by the deletion worker; canonical deletion never blocks on the
// content system.
func (s *AdminService) Delete(ctx context.Context, userID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.users.Delete(ctx, userID); err != nil {
		return err
	}

	if user.CMSIdentityID != nil && *user.CMSIdentityID != "" && s.tasks != nil {
		task := &domain.DeletionTask{CMSIdentityID: *user.CMSIdentityID}
		if err := s.tasks.Enqueue(ctx, task); err != nil {
			// The canonical delete already happened; the orphaned downstream
			// identity is picked up by operators via the log.
			log.Error().Err(err).Str("cms_identity_id", *user.CMSIdentityID).Msg("failed to enqueue downstream deletion")
		}
	}
	return nil
}

// GetUser fetches a canonical user for the operator surface.
func (s *AdminService) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.GetByID(ctx, userID)
}
