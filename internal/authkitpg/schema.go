package authkitpg

import (
	"context"
	"fmt"
)

const revokedTokensSchema = `
CREATE TABLE IF NOT EXISTS revoked_tokens (
    token_id TEXT PRIMARY KEY,
    revoked_at_unix BIGINT NOT NULL,
    expires_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires ON revoked_tokens (expires_unix);
`

// EnsureSchema creates the revocation table if it does not exist.
func EnsureSchema(ctx context.Context, executor Executor) error {
	if _, err := executor.Exec(ctx, revokedTokensSchema); err != nil {
		return fmt.Errorf("authkitpg.ensure_schema: %w", err)
	}
	return nil
}
