package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"go.uber.org/zap"
)

var (
	// ErrStoreUnavailable wraps every backend failure.
	ErrStoreUnavailable = errors.New("revocation store unavailable")
	// ErrInvalidRecord is returned by Add for records without a token id or expiry.
	ErrInvalidRecord = errors.New("invalid revocation record")
)

// Record marks one token id as permanently invalid. MirroredExpiry copies
// the expiry of the revoked token; after it passes the record may be pruned.
type Record struct {
	TokenID        string
	UserID         string
	MirroredExpiry time.Time
	Reason         string
	RevokedBy      string
	CreatedAt      time.Time
}

// Store persists revocation records. Add must be durable on return and
// idempotent for an already revoked token id; added reports whether this
// call created the record.
type Store interface {
	Add(ctx context.Context, rec Record) (added bool, err error)
	Exists(ctx context.Context, tokenID string) (bool, error)
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// Registry is the fail-closed front of a [Store].
type Registry struct {
	store      Store
	clock      clock.Clock
	logger     *zap.Logger
	pruneGrace time.Duration
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock sets the time source used for CreatedAt and pruning.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger used for fail-closed lookups.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPruneGrace keeps records for d past their mirrored expiry. It must
// cover the verifier's expiry leeway, otherwise a pruned token parses as
// live again until the leeway runs out.
func WithPruneGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pruneGrace = d
		}
	}
}

// NewRegistry returns a Registry over store. A nil store selects a new
// [MemoryStore].
func NewRegistry(store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{store: store, clock: clock.System{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add records rec and returns only after the store has committed it.
func (r *Registry) Add(ctx context.Context, rec Record) error {
	_, err := r.Claim(ctx, rec)
	return err
}

// Claim is Add that also reports whether this call revoked the token.
// Exactly one of several concurrent claims for the same id sees true.
func (r *Registry) Claim(ctx context.Context, rec Record) (bool, error) {
	if rec.TokenID == "" || rec.MirroredExpiry.IsZero() {
		return false, ErrInvalidRecord
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock.Now()
	}
	added, err := r.store.Add(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return added, nil
}

// IsRevoked reports whether tokenID was revoked. Any error, including a
// cancelled or expired ctx, is reported as revoked.
func (r *Registry) IsRevoked(ctx context.Context, tokenID string) bool {
	if tokenID == "" {
		return true
	}
	if err := ctx.Err(); err != nil {
		return true
	}
	revoked, err := r.store.Exists(ctx, tokenID)
	if err != nil {
		r.logger.Warn("revocation lookup failed, treating token as revoked",
			zap.String("token_id", tokenID), zap.Error(err))
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	return revoked
}

// PruneExpired deletes records whose mirrored expiry plus the prune grace
// has passed.
func (r *Registry) PruneExpired(ctx context.Context) (int, error) {
	n, err := r.store.PruneExpired(ctx, r.clock.Now().Add(-r.pruneGrace))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}
