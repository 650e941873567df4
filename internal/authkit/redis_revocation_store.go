package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRevocationKeyPrefix namespaces revocation keys in Redis.
const DefaultRevocationKeyPrefix = "tokenauth:revoked:"

// RedisRevocationStore keeps one key per revoked token with a TTL matching the token expiry,
// so Redis expires entries on its own and Sweep has nothing to remove.
type RedisRevocationStore struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     Clock
}

// NewRedisRevocationStore wraps client. An empty prefix uses DefaultRevocationKeyPrefix.
func NewRedisRevocationStore(client redis.UniversalClient, keyPrefix string, clock Clock) *RedisRevocationStore {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultRevocationKeyPrefix
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RedisRevocationStore{client: client, keyPrefix: keyPrefix, clock: clock}
}

// Revoke stores tokenID with SET NX so repeated calls keep the first revocation time.
func (store *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := store.RevokeOnce(ctx, tokenID, expiresAt)
	return err
}

// RevokeOnce reports whether SET NX created the key.
func (store *RedisRevocationStore) RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(tokenID) == "" {
		return false, fmt.Errorf("revocation_store.revoke.redis: %w", ErrRevocationEmptyID)
	}
	now := store.clock.Now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	created, err := store.client.SetNX(ctx, store.key(tokenID), now.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("revocation_store.revoke.redis: %w", err)
	}
	return created, nil
}

// IsRevoked reports whether the revocation key still exists.
func (store *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := store.client.Get(ctx, store.key(tokenID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revocation_store.is_revoked.redis: %w", err)
	}
	return true, nil
}

// Sweep is a no-op; Redis evicts keys when their TTL elapses.
func (store *RedisRevocationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (store *RedisRevocationStore) key(tokenID string) string {
	return store.keyPrefix + tokenID
}
