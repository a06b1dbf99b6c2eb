package authcore

import (
	"context"
	"time"
)

// AccountStatus is the administrative state of a user account. Lockout
// after failed logins is tracked separately by the lockout guard.
type AccountStatus uint8

const (
	AccountActive AccountStatus = iota
	AccountDisabled
	AccountDeleted
)

func (s AccountStatus) String() string {
	switch s {
	case AccountActive:
		return "active"
	case AccountDisabled:
		return "disabled"
	case AccountDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// UserProvider is the user database the engine authenticates against.
// Lookups for unknown users must return [ErrUserNotFound].
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}

// UserRecord is the account data needed to authenticate and to fill the
// access token claims.
type UserRecord struct {
	UserID       string
	Identifier   string
	PasswordHash string
	Status       AccountStatus
	Roles        []string
	Permissions  []string
	OrgID        string
	BranchIDs    []string
}

// LoginResult is returned by Authenticate and RefreshSession.
// RefreshToken is the opaque refresh secret; only its hash is stored.
type LoginResult struct {
	UserID           string
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Claims is the validated identity of a request.
type Claims struct {
	Subject       string
	TokenID       string
	SessionID     string
	Roles         []string
	Permissions   []string
	OrgID         string
	BranchIDs     []string
	SecurityStamp string
	Purpose       string
	Data          map[string]string
	Extra         map[string]string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// HasRole reports whether role is among c.Roles.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether perm is among c.Permissions.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// SessionInfo is the client-facing view of an active session.
type SessionInfo struct {
	SessionID      string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	SourceAddress  string
	Device         string
}
