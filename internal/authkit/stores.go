package authkit

import (
	"context"
	"time"
)

// UserRecord is the user-record collaborator's view of a principal.
type UserRecord struct {
	ID              string
	Username        string
	Email           string
	DisplayName     string
	PasswordHash    string
	PasswordSetAt   time.Time
	PasswordHistory []string
	Roles           []string
	Active          bool
}

// UserStore persists and retrieves application users.
type UserStore interface {
	FindUser(ctx context.Context, subjectID string) (UserRecord, error)
	FindByUsername(ctx context.Context, username string) (UserRecord, error)
	FindByEmail(ctx context.Context, email string) (UserRecord, error)
	CreateUser(ctx context.Context, record UserRecord) (UserRecord, error)
	UpdatePassword(ctx context.Context, subjectID string, passwordHash string, setAt time.Time) error
	UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (UserRecord, error)
}

// RevocationStore remembers tokens that must be rejected before their natural expiry.
// Entries whose expiry has passed report as not revoked even before Sweep removes them.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	// RevokeOnce records tokenID and reports whether this call was the one that recorded it.
	// Concurrent callers for the same identifier see true exactly once.
	RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}
