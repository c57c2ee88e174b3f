package domain

import "time"

// Role is the canonical application role of a user.
type Role string

const (
	RoleStandard     Role = "standard"
	RoleAdmin        Role = "admin"
	RoleContentAdmin Role = "content-admin"
	RoleEditor       Role = "editor"
	RoleWriter       Role = "writer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStandard, RoleAdmin, RoleContentAdmin, RoleEditor, RoleWriter:
		return true
	}
	return false
}

// RequiresCMSIdentity reports whether the role needs an identity record
// provisioned in the downstream content system. The default role does not.
func (r Role) RequiresCMSIdentity() bool {
	switch r {
	case RoleContentAdmin, RoleEditor, RoleWriter:
		return true
	}
	return false
}

// User is the canonical identity record this service maintains. It is the
// single source of truth joining the external authentication provider's
// identity (ExternalID) with the downstream content system's identity
// (CMSIdentityID).
type User struct {
	ID                  string         `bson:"_id,omitempty"`
	ExternalID          *string        `bson:"external_id,omitempty"` // unique when set
	Email               string         `bson:"email"`                 // unique, required
	FirstName           string         `bson:"first_name,omitempty"`
	LastName            string         `bson:"last_name,omitempty"`
	Username            *string        `bson:"username,omitempty"` // unique when set
	AvatarURL           string         `bson:"avatar_url,omitempty"`
	Role                Role           `bson:"role"`
	Active              *bool          `bson:"active,omitempty"`
	FailedLoginAttempts int            `bson:"failed_login_attempts,omitempty"`
	LockoutUntil        *time.Time     `bson:"lockout_until,omitempty"`
	Preferences         map[string]any `bson:"preferences,omitempty"`
	CMSIdentityID       *string        `bson:"cms_identity_id,omitempty"`
	CreatedAt           time.Time      `bson:"created_at"`
	UpdatedAt           time.Time      `bson:"updated_at"`
}

// IsActive treats an unset flag as inactive; the upsert path always sets it.
func (u *User) IsActive() bool {
	return u.Active != nil && *u.Active
}
