package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jhongo20/BaseAdmin-sub000/lockout"
)

// LockoutStore implements lockout.Store on the account_lockouts table.
// Every mutation is a single statement so concurrent logins for one user
// serialize on the row lock.
type LockoutStore struct {
	db *sql.DB
}

func NewLockoutStore(db *sql.DB) *LockoutStore {
	return &LockoutStore{db: db}
}

// $1 user, $2 now, $3 max attempts, $4 duration in ms.
const recordFailureSQL = `
INSERT INTO account_lockouts AS a (user_id, failed_attempts, lockout_until, last_failure_at)
VALUES ($1, 1, CASE WHEN 1 >= $3 THEN $2::timestamptz + $4::bigint * interval '1 millisecond' END, $2)
ON CONFLICT (user_id) DO UPDATE SET
    failed_attempts = CASE
        WHEN a.lockout_until IS NOT NULL AND $2 >= a.lockout_until THEN 1
        ELSE a.failed_attempts + 1
    END,
    lockout_until = CASE
        WHEN a.lockout_until IS NOT NULL AND $2 >= a.lockout_until THEN
            CASE WHEN 1 >= $3 THEN $2::timestamptz + $4::bigint * interval '1 millisecond' END
        WHEN a.lockout_until IS NULL AND a.failed_attempts + 1 >= $3 THEN
            $2::timestamptz + $4::bigint * interval '1 millisecond'
        ELSE a.lockout_until
    END,
    last_failure_at = $2
RETURNING failed_attempts, lockout_until, last_failure_at, security_stamp`

func (s *LockoutStore) Load(ctx context.Context, userID string) (lockout.State, error) {
	st, err := s.scan(s.db.QueryRowContext(ctx,
		`SELECT failed_attempts, lockout_until, last_failure_at, security_stamp
		 FROM account_lockouts WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return lockout.State{UserID: userID}, nil
	}
	if err != nil {
		return lockout.State{}, mapErr(err)
	}
	st.UserID = userID
	return st, nil
}

func (s *LockoutStore) RecordFailure(ctx context.Context, userID string, now time.Time, p lockout.Policy) (lockout.State, error) {
	st, err := s.scan(s.db.QueryRowContext(ctx, recordFailureSQL,
		userID, now.UTC(), p.MaxFailedAttempts, p.Duration.Milliseconds()))
	if err != nil {
		return lockout.State{}, mapErr(err)
	}
	st.UserID = userID
	return st, nil
}

func (s *LockoutStore) Reset(ctx context.Context, userID, stamp string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_lockouts (user_id, failed_attempts, security_stamp) VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO UPDATE SET failed_attempts = 0, lockout_until = NULL, security_stamp = $2`,
		userID, stamp)
	return mapErr(err)
}

func (s *LockoutStore) Unlock(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE account_lockouts SET failed_attempts = 0, lockout_until = NULL WHERE user_id = $1`, userID)
	return mapErr(err)
}

func (s *LockoutStore) EnsureStamp(ctx context.Context, userID, candidate string) (string, error) {
	var stamp string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO account_lockouts AS a (user_id, security_stamp) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET security_stamp =
		     CASE WHEN a.security_stamp = '' THEN EXCLUDED.security_stamp ELSE a.security_stamp END
		 RETURNING security_stamp`, userID, candidate).Scan(&stamp)
	if err != nil {
		return "", mapErr(err)
	}
	return stamp, nil
}

func (s *LockoutStore) SetStamp(ctx context.Context, userID, stamp string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_lockouts (user_id, security_stamp) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET security_stamp = EXCLUDED.security_stamp`, userID, stamp)
	return mapErr(err)
}

func (s *LockoutStore) scan(row *sql.Row) (lockout.State, error) {
	var (
		st          lockout.State
		until, last sql.NullTime
	)
	if err := row.Scan(&st.FailedAttempts, &until, &last, &st.SecurityStamp); err != nil {
		return lockout.State{}, err
	}
	if until.Valid {
		st.LockoutUntil = until.Time.UTC()
	}
	if last.Valid {
		st.LastFailureAt = last.Time.UTC()
	}
	return st, nil
}

// mapErr turns serialization failures and deadlocks into lockout.ErrConflict
// so the guard retries them.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return lockout.ErrConflict
	}
	return fmt.Errorf("%w: %v", lockout.ErrStoreUnavailable, err)
}
