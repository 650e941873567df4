package authkit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"
)

type revokedTokenRecord struct {
	TokenID       string `gorm:"column:token_id;primaryKey"`
	RevokedAtUnix int64  `gorm:"column:revoked_at_unix;not null"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;index;not null"`
}

func (revokedTokenRecord) TableName() string {
	return "revoked_tokens"
}

// DatabaseRevocationStore persists revoked token identifiers using GORM.
type DatabaseRevocationStore struct {
	database *Database
	clock    Clock
}

// NewDatabaseRevocationStore builds a store on an opened Database.
func NewDatabaseRevocationStore(database *Database, clock Clock) *DatabaseRevocationStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseRevocationStore{database: database, clock: clock}
}

// Driver exposes the selected database driver label.
func (store *DatabaseRevocationStore) Driver() string {
	return store.database.Driver()
}

// Revoke inserts tokenID; an existing row is left untouched.
func (store *DatabaseRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := store.RevokeOnce(ctx, tokenID, expiresAt)
	return err
}

// RevokeOnce inserts tokenID and reports whether the insert created the row.
func (store *DatabaseRevocationStore) RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(tokenID) == "" {
		return false, fmt.Errorf("revocation_store.revoke.%s: %w", store.Driver(), ErrRevocationEmptyID)
	}
	now := store.clock.Now()
	if !now.Before(expiresAt) {
		return false, nil
	}
	record := revokedTokenRecord{
		TokenID:       tokenID,
		RevokedAtUnix: now.Unix(),
		ExpiresUnix:   expiresAt.Unix(),
	}
	result := store.database.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "token_id"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return false, fmt.Errorf("revocation_store.revoke.%s: %w", store.Driver(), result.Error)
	}
	return result.RowsAffected == 1, nil
}

// IsRevoked reports whether an unexpired row exists for tokenID.
func (store *DatabaseRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var count int64
	err := store.database.db.WithContext(ctx).Model(&revokedTokenRecord{}).
		Where("token_id = ? AND expires_unix > ?", tokenID, store.clock.Now().Unix()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("revocation_store.is_revoked.%s: %w", store.Driver(), err)
	}
	return count > 0, nil
}

// Sweep deletes rows whose expiry is at or before now.
func (store *DatabaseRevocationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	result := store.database.db.WithContext(ctx).
		Where("expires_unix <= ?", now.Unix()).
		Delete(&revokedTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("revocation_store.sweep.%s: %w", store.Driver(), result.Error)
	}
	return int(result.RowsAffected), nil
}
