package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/internal"
	"go.uber.org/zap"
)

const defaultConflictRetries = 5

// Guard drives the Active/Locked state machine for every user.
type Guard struct {
	store      Store
	policy     Policy
	clock      clock.Clock
	logger     *zap.Logger
	maxRetries uint
	retryBase  time.Duration
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithConflictRetries bounds how often a conflicting write is retried.
// RecordFailure ignores the bound and retries until its ctx is done.
func WithConflictRetries(n uint, base time.Duration) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxRetries = n
		}
		if base > 0 {
			g.retryBase = base
		}
	}
}

// NewGuard returns a Guard over store. A nil store selects a new
// [MemoryStore].
func NewGuard(store Store, policy Policy, opts ...Option) (*Guard, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Guard{
		store:      store,
		policy:     policy,
		clock:      clock.System{},
		logger:     zap.NewNop(),
		maxRetries: defaultConflictRetries,
		retryBase:  5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Policy returns the configured policy.
func (g *Guard) Policy() Policy { return g.policy }

// IsLocked reports whether userID is locked now. It is always false when
// lockout is disabled.
func (g *Guard) IsLocked(ctx context.Context, userID string) (bool, error) {
	if !g.policy.Enabled || userID == "" {
		return false, nil
	}
	st, err := g.store.Load(ctx, userID)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return st.LockedAt(g.clock.Now()), nil
}

// State returns the stored state of userID.
func (g *Guard) State(ctx context.Context, userID string) (State, error) {
	st, err := g.store.Load(ctx, userID)
	if err != nil {
		return State{}, wrapUnavailable(err)
	}
	return st, nil
}

// RecordFailure counts one failed attempt. It returns true when this
// failure moved the account from Active to Locked.
func (g *Guard) RecordFailure(ctx context.Context, userID string) (bool, error) {
	if !g.policy.Enabled || userID == "" {
		return false, nil
	}
	now := g.clock.Now()
	st, err := retryConflictUntil(ctx, g, 0, func() (State, error) {
		return g.store.RecordFailure(ctx, userID, now, g.policy)
	})
	if err != nil {
		return false, err
	}

	lockedNow := st.FailedAttempts == g.policy.MaxFailedAttempts && st.LockedAt(now)
	if lockedNow {
		g.logger.Warn("account locked",
			zap.String("user_id", userID),
			zap.Int("failed_attempts", st.FailedAttempts),
			zap.Time("lockout_until", st.LockoutUntil))
	}
	return lockedNow, nil
}

// RecordSuccess resets the counter, unlocks the account and rotates the
// security stamp.
func (g *Guard) RecordSuccess(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	stamp, err := internal.NewSecurityStamp()
	if err != nil {
		return err
	}
	_, err = retryConflict(ctx, g, func() (struct{}, error) {
		return struct{}{}, g.store.Reset(ctx, userID, stamp)
	})
	return err
}

// ManualUnlock clears the lockout and counter without touching the stamp.
func (g *Guard) ManualUnlock(ctx context.Context, userID string) error {
	_, err := retryConflict(ctx, g, func() (struct{}, error) {
		return struct{}{}, g.store.Unlock(ctx, userID)
	})
	return err
}

// SecurityStamp returns the user's current stamp, creating one on first use.
func (g *Guard) SecurityStamp(ctx context.Context, userID string) (string, error) {
	candidate, err := internal.NewSecurityStamp()
	if err != nil {
		return "", err
	}
	return retryConflict(ctx, g, func() (string, error) {
		return g.store.EnsureStamp(ctx, userID, candidate)
	})
}

// RotateSecurityStamp replaces the stamp so every token carrying the old
// one stops validating.
func (g *Guard) RotateSecurityStamp(ctx context.Context, userID string) (string, error) {
	stamp, err := internal.NewSecurityStamp()
	if err != nil {
		return "", err
	}
	_, err = retryConflict(ctx, g, func() (struct{}, error) {
		return struct{}{}, g.store.SetStamp(ctx, userID, stamp)
	})
	if err != nil {
		return "", err
	}
	return stamp, nil
}

func retryConflict[T any](ctx context.Context, g *Guard, op func() (T, error)) (T, error) {
	return retryConflictUntil(ctx, g, g.maxRetries, op)
}

// retryConflictUntil retries op on ErrConflict. maxTries zero retries
// until ctx is done.
func retryConflictUntil[T any](ctx context.Context, g *Guard, maxTries uint, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.retryBase
	policy.MaxInterval = 20 * g.retryBase

	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrConflict) {
			g.logger.Debug("lockout write conflict, retrying", zap.Int("attempt", attempt))
			return v, err
		}
		return v, backoff.Permanent(wrapUnavailable(err))
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(maxTries), backoff.WithMaxElapsedTime(0))
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
