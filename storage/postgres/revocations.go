package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jhongo20/BaseAdmin-sub000/revocation"
)

// RevocationStore implements revocation.Store on the revoked_tokens table.
type RevocationStore struct {
	db *sql.DB
}

func NewRevocationStore(db *sql.DB) *RevocationStore {
	return &RevocationStore{db: db}
}

func (s *RevocationStore) Add(ctx context.Context, rec revocation.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, user_id, mirrored_expiry, reason, revoked_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (token_id) DO NOTHING`,
		rec.TokenID, rec.UserID, rec.MirroredExpiry.UTC(), rec.Reason, rec.RevokedBy, rec.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("%w: %v", revocation.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", revocation.ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

func (s *RevocationStore) Exists(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1)`, tokenID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", revocation.ErrStoreUnavailable, err)
	}
	return exists, nil
}

func (s *RevocationStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE mirrored_expiry < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", revocation.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", revocation.ErrStoreUnavailable, err)
	}
	return int(n), nil
}
