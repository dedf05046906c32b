package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	sentinel "github.com/chimerakang/sentinel-go"
)

var _ sentinel.UserStore = (*Store)(nil)

var accountColumns = []string{
	"id", "username", "email", "credential_hash", "role", "mfa_enabled", "mfa_secret",
	"failed_attempts", "locked_until", "version", "created_at", "updated_at",
}

func (s *Store) loadAccount(ctx context.Context, op string, where any, args ...any) (*sentinel.Account, error) {
	query, qargs, err := psql().Select(accountColumns...).
		From("accounts").
		Where(where, args...).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sentinel/postgres: building select query: %w", err)
	}
	var a sentinel.Account
	if err := pgxscan.Get(ctx, s.db, &a, query, qargs...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, sentinel.E(sentinel.KindNotFound, op, nil)
		}
		return nil, fmt.Errorf("sentinel/postgres: scanning account: %w", err)
	}
	return &a, nil
}

func (s *Store) LoadAccount(ctx context.Context, id string) (*sentinel.Account, error) {
	return s.loadAccount(ctx, "postgres.LoadAccount", squirrel.Eq{"id": id})
}

func (s *Store) LoadAccountByUsername(ctx context.Context, username string) (*sentinel.Account, error) {
	return s.loadAccount(ctx, "postgres.LoadAccountByUsername", "lower(username) = lower(?)", username)
}

// CreateAccount inserts a at version 1. Unique index violations on the
// username or email map to ErrDuplicateAccount.
func (s *Store) CreateAccount(ctx context.Context, a *sentinel.Account) error {
	query, args, err := psql().Insert("accounts").
		Columns(accountColumns...).
		Values(a.ID, a.Username, a.Email, a.CredentialHash, a.Role, a.MFAEnabled, a.MFASecret,
			a.FailedAttempts, a.LockedUntil, 1, a.CreatedAt, a.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("sentinel/postgres: building insert query: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return sentinel.E(sentinel.KindDuplicateAccount, "postgres.CreateAccount", nil)
		}
		return fmt.Errorf("sentinel/postgres: inserting account: %w", err)
	}
	a.Version = 1
	return nil
}

// SaveAccount writes a only if the stored version still equals a.Version.
func (s *Store) SaveAccount(ctx context.Context, a *sentinel.Account) error {
	query, args, err := psql().Update("accounts").
		Set("email", a.Email).
		Set("credential_hash", a.CredentialHash).
		Set("role", a.Role).
		Set("mfa_enabled", a.MFAEnabled).
		Set("mfa_secret", a.MFASecret).
		Set("failed_attempts", a.FailedAttempts).
		Set("locked_until", a.LockedUntil).
		Set("updated_at", a.UpdatedAt).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": a.ID, "version": a.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("sentinel/postgres: building update query: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sentinel/postgres: updating account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.E(sentinel.KindConflict, "postgres.SaveAccount", nil)
	}
	a.Version++
	return nil
}
