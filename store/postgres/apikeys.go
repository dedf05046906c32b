package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/apikey"
)

var _ apikey.Store = (*Store)(nil)

var keyColumns = []string{
	"key_id", "account_id", "secret_hash", "scopes", "rate_limit",
	"expires_at", "last_used", "created_at", "revoked",
}

type keyRow struct {
	KeyID      string     `db:"key_id"`
	AccountID  string     `db:"account_id"`
	SecretHash string     `db:"secret_hash"`
	Scopes     []string   `db:"scopes"`
	RateLimit  int        `db:"rate_limit"`
	ExpiresAt  *time.Time `db:"expires_at"`
	LastUsed   *time.Time `db:"last_used"`
	CreatedAt  time.Time  `db:"created_at"`
	Revoked    bool       `db:"revoked"`
}

func (r keyRow) apiKey() *sentinel.APIKey {
	scopes := make(map[sentinel.Permission]struct{}, len(r.Scopes))
	for _, s := range r.Scopes {
		scopes[sentinel.Permission(s)] = struct{}{}
	}
	return &sentinel.APIKey{
		KeyID:      r.KeyID,
		AccountID:  r.AccountID,
		SecretHash: r.SecretHash,
		Scopes:     scopes,
		RateLimit:  r.RateLimit,
		ExpiresAt:  r.ExpiresAt,
		LastUsed:   r.LastUsed,
		CreatedAt:  r.CreatedAt,
		Revoked:    r.Revoked,
	}
}

func (s *Store) CreateKey(ctx context.Context, k *sentinel.APIKey) error {
	scopes := make([]string, 0, len(k.Scopes))
	for _, p := range k.ScopeList() {
		scopes = append(scopes, string(p))
	}
	slices.Sort(scopes)
	query, args, err := psql().Insert("api_keys").
		Columns(keyColumns...).
		Values(k.KeyID, k.AccountID, k.SecretHash, scopes, k.RateLimit,
			k.ExpiresAt, k.LastUsed, k.CreatedAt, k.Revoked).
		ToSql()
	if err != nil {
		return fmt.Errorf("sentinel/postgres: building insert query: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return sentinel.E(sentinel.KindConflict, "postgres.CreateKey", nil)
		}
		return fmt.Errorf("sentinel/postgres: inserting api key: %w", err)
	}
	return nil
}

func (s *Store) LoadKey(ctx context.Context, keyID string) (*sentinel.APIKey, error) {
	query, args, err := psql().Select(keyColumns...).
		From("api_keys").
		Where(squirrel.Eq{"key_id": keyID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sentinel/postgres: building select query: %w", err)
	}
	var row keyRow
	if err := pgxscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, sentinel.E(sentinel.KindNotFound, "postgres.LoadKey", nil)
		}
		return nil, fmt.Errorf("sentinel/postgres: scanning api key: %w", err)
	}
	return row.apiKey(), nil
}

func (s *Store) ListKeys(ctx context.Context, accountID string) ([]*sentinel.APIKey, error) {
	query, args, err := psql().Select(keyColumns...).
		From("api_keys").
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sentinel/postgres: building select query: %w", err)
	}
	var rows []keyRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sentinel/postgres: scanning api keys: %w", err)
	}
	out := make([]*sentinel.APIKey, len(rows))
	for i, r := range rows {
		out[i] = r.apiKey()
	}
	return out, nil
}

func (s *Store) RevokeKey(ctx context.Context, keyID string) error {
	return s.updateKey(ctx, "postgres.RevokeKey", keyID, "revoked", true)
}

func (s *Store) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	return s.updateKey(ctx, "postgres.TouchKey", keyID, "last_used", at)
}

func (s *Store) updateKey(ctx context.Context, op, keyID, column string, value any) error {
	query, args, err := psql().Update("api_keys").
		Set(column, value).
		Where(squirrel.Eq{"key_id": keyID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("sentinel/postgres: building update query: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sentinel/postgres: updating api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.E(sentinel.KindNotFound, op, nil)
	}
	return nil
}
