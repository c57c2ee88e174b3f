package domain

import "context"

// ExternalIdentity is the provider-asserted identity shape delivered by
// authentication events and returned by the provider's directory API.
type ExternalIdentity struct {
	ExternalID    string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	Username      string `json:"username,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// ProviderDirectory is a read accessor over the external authentication
// provider's identity store, used by the reconciliation sweep.
type ProviderDirectory interface {
	// GetByExternalID returns the identity with the given provider id, or
	// ErrIdentityNotFound.
	GetByExternalID(ctx context.Context, externalID string) (*ExternalIdentity, error)

	// GetByEmail returns the identity registered under email, or
	// ErrIdentityNotFound.
	GetByEmail(ctx context.Context, email string) (*ExternalIdentity, error)

	// List returns one page of identities. Pages are 1-based; an empty slice
	// means the scan is complete.
	List(ctx context.Context, page, perPage int) ([]*ExternalIdentity, error)
}
