package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRevocationStore keeps revoked token identifiers in process memory.
// Reads share a read lock; Revoke and Sweep take the write lock.
type MemoryRevocationStore struct {
	mutex   sync.RWMutex
	entries map[string]revocationEntry
	clock   Clock
}

type revocationEntry struct {
	RevokedAt time.Time
	ExpiresAt time.Time
}

// NewMemoryRevocationStore constructs an empty store. A nil clock uses the system clock.
func NewMemoryRevocationStore(clock Clock) *MemoryRevocationStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryRevocationStore{
		entries: make(map[string]revocationEntry),
		clock:   clock,
	}
}

// Revoke records tokenID until expiresAt. Revoking an already present identifier is a no-op.
func (store *MemoryRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := store.RevokeOnce(ctx, tokenID, expiresAt)
	return err
}

// RevokeOnce records tokenID under the write lock and reports whether it was absent.
func (store *MemoryRevocationStore) RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(tokenID) == "" {
		return false, fmt.Errorf("revocation_store.revoke.memory: %w", ErrRevocationEmptyID)
	}
	now := store.clock.Now()
	if !now.Before(expiresAt) {
		return false, nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.entries[tokenID]; exists {
		return false, nil
	}
	store.entries[tokenID] = revocationEntry{RevokedAt: now, ExpiresAt: expiresAt}
	return true, nil
}

// IsRevoked reports whether tokenID is revoked and not yet naturally expired.
func (store *MemoryRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	store.mutex.RLock()
	entry, exists := store.entries[tokenID]
	store.mutex.RUnlock()
	if !exists {
		return false, nil
	}
	return store.clock.Now().Before(entry.ExpiresAt), nil
}

// Sweep removes entries whose expiry is at or before now.
func (store *MemoryRevocationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	removed := 0
	for tokenID, entry := range store.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(store.entries, tokenID)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries currently held, swept or not.
func (store *MemoryRevocationStore) Len() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.entries)
}
