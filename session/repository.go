package session

import (
	"context"
	"errors"
	"time"

	"github.com/jhongo20/BaseAdmin-sub000/revocation"
)

var (
	// ErrNotFound is returned when a session id or refresh hash is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned when an operation needs an open session.
	ErrClosed = errors.New("session closed")
	// ErrExpired is returned when an operation needs an unexpired session.
	ErrExpired = errors.New("session expired")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// AccessBinding is the access token a session was bound to.
type AccessBinding struct {
	TokenID   string
	ExpiresAt time.Time
}

// Repository persists sessions. Implementations must make MarkClosed and
// ReplaceAccessToken atomic per session.
type Repository interface {
	Insert(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	FindByRefreshHash(ctx context.Context, hash [32]byte) (*Session, error)
	// ListActive returns the user's open, unexpired sessions ordered by
	// IssuedAt, earliest first.
	ListActive(ctx context.Context, userID string, now time.Time) ([]*Session, error)
	// MarkClosed revokes the session and returns the access token bound to
	// it at that moment. closed is false when it was already revoked, in
	// which case ClosedAt is left untouched.
	MarkClosed(ctx context.Context, id, reason string, at time.Time) (bound AccessBinding, closed bool, err error)
	Touch(ctx context.Context, id string, at time.Time) error
	// ReplaceAccessToken binds an open session to a new access token and
	// returns the previous binding.
	ReplaceAccessToken(ctx context.Context, id, tokenID string, expiresAt time.Time) (prevID string, prevExpiry time.Time, err error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Revoker records revoked access token ids.
type Revoker interface {
	Add(ctx context.Context, rec revocation.Record) error
}
