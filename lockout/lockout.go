package lockout

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by a store when a concurrent writer won the
	// race. The operation can be retried as is.
	ErrConflict = errors.New("lockout state conflict")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("lockout store unavailable")
)

// Status is the lockout state machine position.
type Status uint8

const (
	StatusActive Status = iota
	StatusLocked
)

func (s Status) String() string {
	if s == StatusLocked {
		return "locked"
	}
	return "active"
}

// State is the persisted lockout record of one user. A zero State means
// the user never failed and holds no stamp yet.
type State struct {
	UserID         string
	FailedAttempts int
	LockoutUntil   time.Time
	LastFailureAt  time.Time
	SecurityStamp  string
}

// LockedAt reports whether the user is locked at now.
func (s State) LockedAt(now time.Time) bool {
	return !s.LockoutUntil.IsZero() && now.Before(s.LockoutUntil)
}

// StatusAt derives the state machine position at now.
func (s State) StatusAt(now time.Time) Status {
	if s.LockedAt(now) {
		return StatusLocked
	}
	return StatusActive
}

// Policy is the lockout configuration passed to stores.
type Policy struct {
	Enabled           bool
	MaxFailedAttempts int
	Duration          time.Duration
}

// Validate reports a configuration error.
func (p Policy) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxFailedAttempts <= 0 {
		return errors.New("lockout: MaxFailedAttempts must be > 0")
	}
	if p.Duration <= 0 {
		return errors.New("lockout: Duration must be > 0")
	}
	return nil
}

// Store persists lockout state.
type Store interface {
	Load(ctx context.Context, userID string) (State, error)
	// RecordFailure atomically counts one failure at now. A lockout that has
	// already elapsed is cleared first and counting restarts from one. When
	// the counter reaches policy.MaxFailedAttempts and the user is not yet
	// locked, LockoutUntil becomes now+policy.Duration.
	RecordFailure(ctx context.Context, userID string, now time.Time, policy Policy) (State, error)
	// Reset zeroes the counter, clears the lockout and replaces the stamp.
	Reset(ctx context.Context, userID, stamp string) error
	// Unlock zeroes the counter and clears the lockout, keeping the stamp.
	Unlock(ctx context.Context, userID string) error
	// EnsureStamp stores candidate when the user has no stamp and returns
	// the stamp in effect.
	EnsureStamp(ctx context.Context, userID, candidate string) (string, error)
	SetStamp(ctx context.Context, userID, stamp string) error
}

// applyFailure is the reference transition shared by in-process stores.
func applyFailure(st State, now time.Time, p Policy) State {
	if !st.LockoutUntil.IsZero() && !now.Before(st.LockoutUntil) {
		st.FailedAttempts = 0
		st.LockoutUntil = time.Time{}
	}
	st.FailedAttempts++
	st.LastFailureAt = now
	if st.LockoutUntil.IsZero() && st.FailedAttempts >= p.MaxFailedAttempts {
		st.LockoutUntil = now.Add(p.Duration)
	}
	return st
}
