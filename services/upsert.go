package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evoke-labs/idbridge/domain"
	"github.com/evoke-labs/idbridge/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// AssertedIdentity is an externally-asserted identity to merge into the
// canonical store. Role is set only on administrative paths; provider events
// never carry it, so a sign-in can never demote a role.
type AssertedIdentity struct {
	Provider    string      `validate:"omitempty,max=64"`
	ExternalID  string      `validate:"required,max=128"`
	Email       string      `validate:"required,email,max=254"`
	DisplayName string      `validate:"omitempty,max=200"`
	AvatarURL   string      `validate:"omitempty,url,max=1024"`
	Username    string      `validate:"omitempty,max=64"`
	Role        domain.Role `validate:"-"`

	// Diagnostics only; never persisted in plaintext.
	RequestPath string `validate:"-"`
	ClientIP    string `validate:"-"`
}

// UpsertStatus distinguishes outcomes callers previously had to infer from a
// bare nil: permanently invalid input, transient failure, or success.
type UpsertStatus string

// upsertTxnAttempts bounds how often an upsert re-runs its transaction after
// losing an insert race. A duplicate that survives this many locate-then-insert
// rounds is not a race but a genuine conflict (for example a taken username).
const upsertTxnAttempts = 3

const (
	UpsertCreated UpsertStatus = "created"
	UpsertUpdated UpsertStatus = "updated"
	UpsertInvalid UpsertStatus = "invalid"
	UpsertFailed  UpsertStatus = "failed"
)

// UpsertOutcome is the result of an upsert. User is non-nil only on success;
// Err carries the reason for invalid/failed outcomes (already recorded in the
// ledger by then).
type UpsertOutcome struct {
	Status UpsertStatus
	User   *domain.User
	Err    error
}

// OK reports whether the upsert produced a canonical user.
func (o UpsertOutcome) OK() bool {
	return o.Status == UpsertCreated || o.Status == UpsertUpdated
}

// UpsertService merges asserted external identities into the canonical
// store. It is invoked inline from the provider's event pipeline, so it
// never propagates an error past its own boundary: every failure becomes a
// ledger record plus a failed outcome.
type UpsertService struct {
	users    domain.UserRepository
	ledger   *ErrorLedger
	roleSync RoleSynchronizer
	validate *validator.Validate

	maxFailedLogins int
	lockoutPeriod   time.Duration
}

// NewUpsertService creates an UpsertService. roleSync may be nil when no
// downstream content system is configured.
func NewUpsertService(users domain.UserRepository, ledger *ErrorLedger, roleSync RoleSynchronizer) *UpsertService {
	return &UpsertService{
		users:           users,
		ledger:          ledger,
		roleSync:        roleSync,
		validate:        validator.New(),
		maxFailedLogins: 5,
		lockoutPeriod:   15 * time.Minute,
	}
}

// Upsert produces or updates exactly one canonical user for the asserted
// identity. Concurrent upserts of the same identity serialize on the storage
// transaction plus unique indexes; the loser of an insert race re-reads and
// merges instead of duplicating.
func (s *UpsertService) Upsert(ctx context.Context, in AssertedIdentity) UpsertOutcome {
	// Email comparison is case-insensitive; normalizing once at the boundary
	// keeps storage, lookups and the unique index agreeing on one spelling.
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if err := s.validateInput(in); err != nil {
		return s.fail(ctx, in, UpsertInvalid, err)
	}

	firstName, lastName := SplitDisplayName(in.DisplayName)

	var (
		user    *domain.User
		created bool
		err     error
	)
	// A unique-index violation aborts the whole storage transaction, so the
	// loser of an insert race cannot recover inside it. Arbitration happens
	// here instead: re-run the transaction, whose locate step now sees the
	// winner's document and merges onto it.
	for attempt := 0; attempt < upsertTxnAttempts; attempt++ {
		err = s.users.WithTransaction(ctx, func(txCtx context.Context) error {
			existing, findErr := s.users.FindByExternalIDOrEmail(txCtx, in.ExternalID, in.Email)
			switch {
			case findErr == nil:
				user = existing
				created = false
				return s.merge(txCtx, user, in, firstName, lastName)
			case errors.Is(findErr, domain.ErrNotFound):
				var createErr error
				user, created, createErr = s.create(txCtx, in, firstName, lastName)
				return createErr
			default:
				return fmt.Errorf("canonical lookup failed: %w", findErr)
			}
		})
		if !errors.Is(err, domain.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return s.fail(ctx, in, UpsertFailed, err)
	}

	// Role sync is a network call to the content system and must not run
	// inside the transaction: the canonical row stays unlocked while the
	// downstream round-trip is in flight.
	if in.Role != "" && in.Role.RequiresCMSIdentity() && s.roleSync != nil {
		if cmsID := s.roleSync.Sync(ctx, user, in.Role); cmsID != nil {
			user.CMSIdentityID = cmsID
		}
	}

	if created {
		metrics.UsersCreatedTotal.Inc()
		return UpsertOutcome{Status: UpsertCreated, User: user}
	}
	metrics.UsersUpdatedTotal.Inc()
	return UpsertOutcome{Status: UpsertUpdated, User: user}
}

func (s *UpsertService) validateInput(in AssertedIdentity) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("asserted identity rejected: %w", err)
	}
	if in.Role != "" && !in.Role.Valid() {
		return fmt.Errorf("asserted identity rejected: unknown role %q", in.Role)
	}
	return nil
}

// merge applies the asserted identity onto an existing user. Known fields are
// never overwritten with empty values, and the role changes only when the
// caller supplied one explicitly.
func (s *UpsertService) merge(ctx context.Context, user *domain.User, in AssertedIdentity, firstName, lastName string) error {
	if user.ExternalID == nil || *user.ExternalID != in.ExternalID {
		// Fills in the link for records created by email before the user
		// ever authenticated externally.
		externalID := in.ExternalID
		user.ExternalID = &externalID
	}
	user.Email = in.Email
	if firstName != "" {
		user.FirstName = firstName
	}
	if lastName != "" {
		user.LastName = lastName
	}
	if in.AvatarURL != "" {
		user.AvatarURL = in.AvatarURL
	}
	if in.Username != "" {
		username := in.Username
		user.Username = &username
	}
	if in.Role != "" {
		user.Role = in.Role
	}
	if user.Active == nil {
		active := true
		user.Active = &active
	}

	// A successful provider event clears any accumulated sign-in failures.
	user.FailedLoginAttempts = 0
	user.LockoutUntil = nil

	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("canonical update failed: %w", err)
	}
	return nil
}

func (s *UpsertService) create(ctx context.Context, in AssertedIdentity, firstName, lastName string) (*domain.User, bool, error) {
	role := in.Role
	if role == "" {
		role = domain.RoleStandard
	}
	externalID := in.ExternalID
	active := true

	user := &domain.User{
		ExternalID: &externalID,
		Email:      in.Email,
		FirstName:  firstName,
		LastName:   lastName,
		AvatarURL:  in.AvatarURL,
		Role:       role,
		Active:     &active,
	}
	if in.Username != "" {
		username := in.Username
		user.Username = &username
	}

	if err := s.users.Create(ctx, user); err != nil {
		// ErrDuplicate surfaces to the caller's transaction retry; the
		// aborted transaction cannot read the racing writer's document.
		return nil, false, err
	}
	return user, true, nil
}

// RecordFailedSignIn reacts to a failed sign-in event from the provider:
// bump the counter and, past the threshold, stamp a lockout window. Failures
// are swallowed like everywhere else on the event path.
func (s *UpsertService) RecordFailedSignIn(ctx context.Context, externalID string) {
	user, err := s.users.GetByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Str("external_id", externalID).Msg("failed sign-in lookup failed")
		}
		return
	}

	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= s.maxFailedLogins {
		until := time.Now().UTC().Add(s.lockoutPeriod)
		user.LockoutUntil = &until
	}
	if err := s.users.Update(ctx, user); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("failed sign-in accounting update failed")
	}
}

// fail records the failure in the ledger and converts it into an outcome.
// The event pipeline that called us must keep working even when the ledger
// itself is down, so a ledger failure is only logged.
func (s *UpsertService) fail(ctx context.Context, in AssertedIdentity, status UpsertStatus, cause error) UpsertOutcome {
	metrics.UpsertFailuresTotal.Inc()
	_, recordErr := s.ledger.Record(ctx, LedgerEvent{
		Type:        domain.EventUpsertFailed,
		Provider:    in.Provider,
		ExternalID:  in.ExternalID,
		Email:       in.Email,
		RequestPath: in.RequestPath,
		ClientIP:    in.ClientIP,
		Message:     cause.Error(),
		// Email and name live in dedicated hashed columns; the snapshot
		// carries the external id only.
		Payload: map[string]any{"external_id": in.ExternalID},
	})
	if recordErr != nil {
		log.Error().Err(recordErr).Str("external_id", in.ExternalID).Msg("failed to record upsert failure in ledger")
	}
	return UpsertOutcome{Status: status, Err: cause}
}

// SplitDisplayName derives first/last names from a free-text display name:
// one token becomes the first name, the remainder joins into the last name.
func SplitDisplayName(displayName string) (first, last string) {
	tokens := strings.Fields(displayName)
	switch len(tokens) {
	case 0:
		return "", ""
	case 1:
		return tokens[0], ""
	default:
		return tokens[0], strings.Join(tokens[1:], " ")
	}
}
