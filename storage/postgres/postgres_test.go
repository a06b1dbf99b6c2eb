package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	authcore "github.com/jhongo20/BaseAdmin-sub000"
	"github.com/jhongo20/BaseAdmin-sub000/lockout"
	"github.com/jhongo20/BaseAdmin-sub000/revocation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_init.up.sql")
	assert.Contains(t, names, "000001_init.down.sql")
}

func TestOpenAndMigrateRequireDSN(t *testing.T) {
	_, err := Open(context.Background(), "", PoolConfig{})
	assert.Error(t, err)
	assert.Error(t, Migrate(""))
}

func TestRevocationStoreAddReportsInsert(t *testing.T) {
	db, mock := newMock(t)
	store := NewRevocationStore(db)
	exp := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := revocation.Record{TokenID: "jti-1", UserID: "u1", MirroredExpiry: exp, Reason: "logout", CreatedAt: exp.Add(-time.Hour)}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO revoked_tokens")).
		WithArgs("jti-1", "u1", exp, "logout", "", exp.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO revoked_tokens")).
		WithArgs("jti-1", "u1", exp, "logout", "", exp.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	added, err := store.Add(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.Add(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRevocationStoreExistsAndPrune(t *testing.T) {
	db, mock := newMock(t)
	store := NewRevocationStore(db)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM revoked_tokens WHERE mirrored_expiry < $1")).WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	ok, err := store.Exists(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := store.PruneExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRevocationStoreErrorFailsClosedThroughRegistry(t *testing.T) {
	db, mock := newMock(t)
	reg := revocation.NewRegistry(NewRevocationStore(db))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("jti-1").
		WillReturnError(errors.New("connection reset"))
	assert.True(t, reg.IsRevoked(context.Background(), "jti-1"))
}

func TestLockoutStoreRecordFailure(t *testing.T) {
	db, mock := newMock(t)
	store := NewLockoutStore(db)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	policy := lockout.Policy{Enabled: true, MaxFailedAttempts: 5, Duration: 15 * time.Minute}
	until := now.Add(15 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO account_lockouts AS a")).
		WithArgs("u1", now, 5, int64(900000)).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "lockout_until", "last_failure_at", "security_stamp"}).
			AddRow(5, until, now, "stamp-1"))

	st, err := store.RecordFailure(context.Background(), "u1", now, policy)
	require.NoError(t, err)
	assert.Equal(t, "u1", st.UserID)
	assert.Equal(t, 5, st.FailedAttempts)
	assert.True(t, st.LockedAt(now))
	assert.Equal(t, until, st.LockoutUntil)
	assert.Equal(t, "stamp-1", st.SecurityStamp)
}

func TestLockoutStoreLoadMissingUserIsZeroState(t *testing.T) {
	db, mock := newMock(t)
	store := NewLockoutStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM account_lockouts WHERE user_id = $1")).WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	st, err := store.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, lockout.State{UserID: "ghost"}, st)
}

func TestLockoutStoreMapsSerializationFailureToConflict(t *testing.T) {
	db, mock := newMock(t)
	store := NewLockoutStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO account_lockouts AS a")).
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO account_lockouts AS a")).
		WillReturnError(errors.New("network down"))

	_, err := store.RecordFailure(context.Background(), "u1", now, lockout.Policy{Enabled: true, MaxFailedAttempts: 3, Duration: time.Minute})
	assert.ErrorIs(t, err, lockout.ErrConflict)
	_, err = store.RecordFailure(context.Background(), "u1", now, lockout.Policy{Enabled: true, MaxFailedAttempts: 3, Duration: time.Minute})
	assert.ErrorIs(t, err, lockout.ErrStoreUnavailable)
}

func TestLockoutStoreEnsureStamp(t *testing.T) {
	db, mock := newMock(t)
	store := NewLockoutStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING security_stamp")).WithArgs("u1", "cand").
		WillReturnRows(sqlmock.NewRows([]string{"security_stamp"}).AddRow("existing"))

	stamp, err := store.EnsureStamp(context.Background(), "u1", "cand")
	require.NoError(t, err)
	assert.Equal(t, "existing", stamp)
}

func TestUserRepositoryGetByIdentifier(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE identifier = $1")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "identifier", "password_hash", "status", "roles", "permissions", "org_id", "branch_ids"}).
			AddRow("u1", "alice", "$argon2id$x", 0, []byte(`["admin"]`), []byte(`["users:read"]`), "org-1", []byte(`["b1","b2"]`)))

	rec, err := repo.GetUserByIdentifier(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, authcore.AccountActive, rec.Status)
	assert.Equal(t, []string{"admin"}, rec.Roles)
	assert.Equal(t, []string{"users:read"}, rec.Permissions)
	assert.Equal(t, []string{"b1", "b2"}, rec.BranchIDs)
}

func TestUserRepositoryNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).WithArgs("nobody").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash")).WithArgs("nobody", "h").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := repo.GetUserByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, authcore.ErrUserNotFound)
	assert.ErrorIs(t, repo.UpdatePasswordHash(context.Background(), "nobody", "h"), authcore.ErrUserNotFound)
}
