package authkitpg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/tokenauth/internal/authkit"
)

// Executor is the subset of *pgxpool.Pool used by the store.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// PostgresRevocationStore persists revoked token identifiers in PostgreSQL.
type PostgresRevocationStore struct {
	executor Executor
	clock    authkit.Clock
}

// NewPostgresRevocationStore constructs a Postgres store. A nil clock uses the system clock.
func NewPostgresRevocationStore(executor Executor, clock authkit.Clock) *PostgresRevocationStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &PostgresRevocationStore{executor: executor, clock: clock}
}

// Revoke inserts tokenID; a repeated revocation keeps the original row.
func (store *PostgresRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := store.RevokeOnce(ctx, tokenID, expiresAt)
	return err
}

// RevokeOnce inserts tokenID and reports whether the row was created by this call.
func (store *PostgresRevocationStore) RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(tokenID) == "" {
		return false, fmt.Errorf("revocation_store.revoke.postgres: %w", authkit.ErrRevocationEmptyID)
	}
	now := store.clock.Now()
	if !now.Before(expiresAt) {
		return false, nil
	}
	tag, err := store.executor.Exec(ctx, `
INSERT INTO revoked_tokens (token_id, revoked_at_unix, expires_unix)
VALUES ($1, $2, $3)
ON CONFLICT (token_id) DO NOTHING
`, tokenID, now.Unix(), expiresAt.Unix())
	if err != nil {
		return false, fmt.Errorf("revocation_store.revoke.postgres: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsRevoked reports whether an unexpired row exists for tokenID.
func (store *PostgresRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	row := store.executor.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM revoked_tokens WHERE token_id = $1 AND expires_unix > $2
)
`, tokenID, store.clock.Now().Unix())
	if err := row.Scan(&revoked); err != nil {
		return false, fmt.Errorf("revocation_store.is_revoked.postgres: %w", err)
	}
	return revoked, nil
}

// Sweep deletes rows whose expiry is at or before now.
func (store *PostgresRevocationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := store.executor.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_unix <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("revocation_store.sweep.postgres: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
