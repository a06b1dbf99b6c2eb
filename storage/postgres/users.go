package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	authcore "github.com/jhongo20/BaseAdmin-sub000"
)

// UserRepository reads accounts from the users table.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const selectUser = `SELECT id, identifier, password_hash, status, roles, permissions, org_id, branch_ids FROM users `

func (r *UserRepository) GetUserByIdentifier(ctx context.Context, identifier string) (authcore.UserRecord, error) {
	return r.scanOne(ctx, selectUser+`WHERE identifier = $1`, identifier)
}

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (authcore.UserRecord, error) {
	return r.scanOne(ctx, selectUser+`WHERE id = $1`, userID)
}

// UpdatePasswordHash replaces the stored hash, typically after a legacy
// hash was upgraded on login.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if n == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

// CreateUser inserts rec. It is used by provisioning tools and tests.
func (r *UserRepository) CreateUser(ctx context.Context, rec authcore.UserRecord) error {
	roles, err := json.Marshal(nonNil(rec.Roles))
	if err != nil {
		return err
	}
	perms, err := json.Marshal(nonNil(rec.Permissions))
	if err != nil {
		return err
	}
	branches, err := json.Marshal(nonNil(rec.BranchIDs))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (id, identifier, password_hash, status, roles, permissions, org_id, branch_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.UserID, rec.Identifier, rec.PasswordHash, int16(rec.Status), roles, perms, rec.OrgID, branches)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) scanOne(ctx context.Context, query string, arg string) (authcore.UserRecord, error) {
	var (
		rec                    authcore.UserRecord
		status                 int16
		roles, perms, branches []byte
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&rec.UserID, &rec.Identifier, &rec.PasswordHash, &status, &roles, &perms, &rec.OrgID, &branches)
	if errors.Is(err, sql.ErrNoRows) {
		return authcore.UserRecord{}, authcore.ErrUserNotFound
	}
	if err != nil {
		return authcore.UserRecord{}, fmt.Errorf("query user: %w", err)
	}
	rec.Status = authcore.AccountStatus(status)
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{{roles, &rec.Roles}, {perms, &rec.Permissions}, {branches, &rec.BranchIDs}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return authcore.UserRecord{}, fmt.Errorf("decode user %s: %w", rec.UserID, err)
		}
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
