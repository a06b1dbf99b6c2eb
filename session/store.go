package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/revocation"
	"go.uber.org/zap"
)

const userLockStripes = 64

// Config controls session policy.
type Config struct {
	// MaxPerUser caps concurrently active sessions. Zero disables the cap.
	MaxPerUser int
	// HeartbeatInterval is the minimum gap between two persisted activity
	// updates of the same session.
	HeartbeatInterval time.Duration
}

// Store applies session policy on top of a [Repository]. Creates for the
// same user are serialized in-process so the cap check and the insert see
// the same set of active sessions.
type Store struct {
	repo    Repository
	revoker Revoker
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger

	userLocks [userLockStripes]sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore returns a Store. repo and revoker are required.
func NewStore(repo Repository, revoker Revoker, cfg Config, opts ...Option) (*Store, error) {
	if repo == nil || revoker == nil {
		return nil, errors.New("session: repository and revoker are required")
	}
	if cfg.MaxPerUser < 0 || cfg.HeartbeatInterval < 0 {
		return nil, errors.New("session: invalid config")
	}
	s := &Store{repo: repo, revoker: revoker, cfg: cfg, clock: clock.System{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) lockUser(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	mu := &s.userLocks[h.Sum32()%userLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Create opens a session. When the user already holds MaxPerUser active
// sessions the earliest-issued ones are closed and revoked first.
func (s *Store) Create(ctx context.Context, ns NewSession) (*Session, error) {
	if ns.UserID == "" || ns.AccessTokenID == "" {
		return nil, errors.New("session: user id and access token id are required")
	}
	if ns.TTL <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}

	unlock := s.lockUser(ns.UserID)
	defer unlock()

	now := s.clock.Now()
	if s.cfg.MaxPerUser > 0 {
		active, err := s.repo.ListActive(ctx, ns.UserID, now)
		if err != nil {
			return nil, err
		}
		for i := 0; len(active)-i >= s.cfg.MaxPerUser; i++ {
			victim := active[i]
			if _, err := s.Close(ctx, victim.ID, ReasonEvicted); err != nil {
				return nil, fmt.Errorf("evict session %s: %w", victim.ID, err)
			}
			s.logger.Info("session evicted by per-user cap",
				zap.String("user_id", ns.UserID), zap.String("session_id", victim.ID))
		}
	}

	id := ns.ID
	if id == "" {
		id = uuid.NewString()
	}
	sess := &Session{
		ID:              id,
		UserID:          ns.UserID,
		AccessTokenID:   ns.AccessTokenID,
		AccessExpiresAt: ns.AccessExpiresAt,
		RefreshHash:     ns.RefreshHash,
		IssuedAt:        now,
		ExpiresAt:       now.Add(ns.TTL),
		LastActivityAt:  now,
		SourceAddress:   ns.SourceAddress,
		Device:          ns.Device,
	}
	if err := s.repo.Insert(ctx, sess); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// Get returns a session by id, open or closed.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.Get(ctx, id)
}

// FindByRefreshHash returns the open, unexpired session bound to hash.
func (s *Store) FindByRefreshHash(ctx context.Context, hash [32]byte) (*Session, error) {
	sess, err := s.repo.FindByRefreshHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if sess.Revoked {
		return nil, ErrClosed
	}
	if !s.clock.Now().Before(sess.ExpiresAt) {
		return nil, ErrExpired
	}
	return sess, nil
}

// ListActive returns the user's active sessions, earliest first.
func (s *Store) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	return s.repo.ListActive(ctx, userID, s.clock.Now())
}

// Close revokes the session's access token, then marks the session closed.
// A token bound by a refresh that landed between the two steps is revoked
// as well. It returns false when the session is unknown or was already
// closed.
func (s *Store) Close(ctx context.Context, id, reason string) (bool, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if sess.Revoked {
		return false, nil
	}

	if err := s.revokeAccess(ctx, sess.UserID, sess.AccessTokenID, sess.AccessExpiresAt, reason); err != nil {
		return false, err
	}

	bound, closed, err := s.repo.MarkClosed(ctx, id, reason, s.clock.Now())
	if err != nil || !closed {
		return closed, err
	}
	if bound.TokenID != "" && bound.TokenID != sess.AccessTokenID {
		if err := s.revokeAccess(ctx, sess.UserID, bound.TokenID, bound.ExpiresAt, reason); err != nil {
			return true, err
		}
	}
	return true, nil
}

// CloseAllForUser closes every active session of userID except exceptID
// (which may be empty) and returns how many this call closed.
func (s *Store) CloseAllForUser(ctx context.Context, userID, reason, exceptID string) (int, error) {
	active, err := s.repo.ListActive(ctx, userID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range active {
		if sess.ID == exceptID {
			continue
		}
		closed, err := s.Close(ctx, sess.ID, reason)
		if err != nil {
			return n, err
		}
		if closed {
			n++
		}
	}
	return n, nil
}

// Heartbeat records activity on an open session. Updates closer together
// than HeartbeatInterval are skipped.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if !sess.ActiveAt(now) {
		return ErrClosed
	}
	if now.Sub(sess.LastActivityAt) <= s.cfg.HeartbeatInterval {
		return nil
	}
	return s.repo.Touch(ctx, id, now)
}

// ReplaceAccessToken binds an open session to a freshly issued access
// token and revokes the one it replaces.
func (s *Store) ReplaceAccessToken(ctx context.Context, id, tokenID string, expiresAt time.Time) error {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	prevID, prevExp, err := s.repo.ReplaceAccessToken(ctx, id, tokenID, expiresAt)
	if err != nil {
		return err
	}
	if prevID == "" || prevID == tokenID {
		return nil
	}
	return s.revokeAccess(ctx, sess.UserID, prevID, prevExp, ReasonRefreshed)
}

// Prune physically deletes sessions that expired before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	return s.repo.DeleteExpired(ctx, cutoff)
}

func (s *Store) revokeAccess(ctx context.Context, userID, tokenID string, exp time.Time, reason string) error {
	if exp.IsZero() {
		exp = s.clock.Now()
	}
	err := s.revoker.Add(ctx, revocation.Record{
		TokenID:        tokenID,
		UserID:         userID,
		MirroredExpiry: exp,
		Reason:         reason,
	})
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}
