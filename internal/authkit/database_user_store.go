package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type userRecordRow struct {
	ID              string `gorm:"column:id;primaryKey"`
	Username        string `gorm:"column:username;uniqueIndex;not null"`
	Email           string `gorm:"column:email;uniqueIndex;not null"`
	DisplayName     string `gorm:"column:display_name;not null;default:''"`
	GoogleSub       string `gorm:"column:google_sub;index;not null;default:''"`
	PasswordHash    string `gorm:"column:password_hash;not null;default:''"`
	PasswordSetUnix int64  `gorm:"column:password_set_unix;not null;default:0"`
	Roles           string `gorm:"column:roles;not null;default:''"`
	Active          bool   `gorm:"column:active;not null"`
}

func (userRecordRow) TableName() string {
	return "users"
}

type passwordHistoryRow struct {
	ID           uint   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string `gorm:"column:user_id;index;not null"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	SetUnix      int64  `gorm:"column:set_unix;not null"`
}

func (passwordHistoryRow) TableName() string {
	return "password_history"
}

// DatabaseUserStore implements UserStore on the shared GORM database.
type DatabaseUserStore struct {
	database     *Database
	historyLimit int
}

// NewDatabaseUserStore builds a user store that returns up to historyLimit previous hashes.
func NewDatabaseUserStore(database *Database, historyLimit int) *DatabaseUserStore {
	return &DatabaseUserStore{database: database, historyLimit: historyLimit}
}

// FindUser loads a user by id.
func (store *DatabaseUserStore) FindUser(ctx context.Context, subjectID string) (UserRecord, error) {
	return store.findWhere(ctx, "user_store.find_user", "id = ?", subjectID)
}

// FindByUsername loads a user by username.
func (store *DatabaseUserStore) FindByUsername(ctx context.Context, username string) (UserRecord, error) {
	return store.findWhere(ctx, "user_store.find_by_username", "username = ?", username)
}

// FindByEmail loads a user by email, compared case-insensitively.
func (store *DatabaseUserStore) FindByEmail(ctx context.Context, email string) (UserRecord, error) {
	return store.findWhere(ctx, "user_store.find_by_email", "email = ?", normalizeEmail(email))
}

// CreateUser inserts record, assigning an id when empty. The count is a fast path; the unique
// indexes on username and email decide races, surfacing as ErrUserExists.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, record UserRecord) (UserRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Email = normalizeEmail(record.Email)
	var existing int64
	countErr := store.database.db.WithContext(ctx).Model(&userRecordRow{}).
		Where("username = ? OR email = ?", record.Username, record.Email).
		Count(&existing).Error
	if countErr != nil {
		return UserRecord{}, fmt.Errorf("user_store.create.%s: %w", store.database.Driver(), countErr)
	}
	if existing > 0 {
		return UserRecord{}, fmt.Errorf("user_store.create.%s: %w", store.database.Driver(), ErrUserExists)
	}
	row := rowFromRecord(record, "")
	if err := store.database.db.WithContext(ctx).Create(&row).Error; err != nil {
		return UserRecord{}, fmt.Errorf("user_store.create.%s: %w", store.database.Driver(), translateDuplicate(err))
	}
	return record, nil
}

// UpdatePassword stores the new hash and moves the previous one into history.
func (store *DatabaseUserStore) UpdatePassword(ctx context.Context, subjectID string, passwordHash string, setAt time.Time) error {
	err := store.database.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row userRecordRow
		if findErr := tx.Where("id = ?", subjectID).Take(&row).Error; findErr != nil {
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return findErr
		}
		if row.PasswordHash != "" {
			history := passwordHistoryRow{UserID: row.ID, PasswordHash: row.PasswordHash, SetUnix: row.PasswordSetUnix}
			if createErr := tx.Create(&history).Error; createErr != nil {
				return createErr
			}
		}
		return tx.Model(&userRecordRow{}).Where("id = ?", subjectID).Updates(map[string]any{
			"password_hash":     passwordHash,
			"password_set_unix": setAt.Unix(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("user_store.update_password.%s: %w", store.database.Driver(), err)
	}
	return nil
}

// UpsertGoogleUser finds the user linked to googleSub or creates one.
func (store *DatabaseUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (UserRecord, error) {
	record, err := store.findWhere(ctx, "user_store.upsert_google", "google_sub = ?", googleSub)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return UserRecord{}, err
	}
	record = UserRecord{
		ID:          "google:" + googleSub,
		Username:    "google:" + googleSub,
		Email:       normalizeEmail(userEmail),
		DisplayName: userDisplayName,
		Roles:       []string{string(RoleUser)},
		Active:      true,
	}
	row := rowFromRecord(record, googleSub)
	if createErr := store.database.db.WithContext(ctx).Create(&row).Error; createErr != nil {
		return UserRecord{}, fmt.Errorf("user_store.upsert_google.%s: %w", store.database.Driver(), translateDuplicate(createErr))
	}
	return record, nil
}

// translateDuplicate maps a unique-index violation to ErrUserExists.
func translateDuplicate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUserExists
	}
	return err
}

func (store *DatabaseUserStore) findWhere(ctx context.Context, operation string, query string, argument string) (UserRecord, error) {
	var row userRecordRow
	err := store.database.db.WithContext(ctx).Where(query, argument).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, fmt.Errorf("%s.%s: %w", operation, store.database.Driver(), ErrUserNotFound)
		}
		return UserRecord{}, fmt.Errorf("%s.%s: %w", operation, store.database.Driver(), err)
	}
	var history []passwordHistoryRow
	historyQuery := store.database.db.WithContext(ctx).Where("user_id = ?", row.ID).Order("id DESC")
	if store.historyLimit > 0 {
		historyQuery = historyQuery.Limit(store.historyLimit)
	}
	if historyErr := historyQuery.Find(&history).Error; historyErr != nil {
		return UserRecord{}, fmt.Errorf("%s.%s: %w", operation, store.database.Driver(), historyErr)
	}
	record := UserRecord{
		ID:           row.ID,
		Username:     row.Username,
		Email:        row.Email,
		DisplayName:  row.DisplayName,
		PasswordHash: row.PasswordHash,
		Roles:        splitRoles(row.Roles),
		Active:       row.Active,
	}
	if row.PasswordSetUnix != 0 {
		record.PasswordSetAt = time.Unix(row.PasswordSetUnix, 0).UTC()
	}
	for _, entry := range history {
		record.PasswordHistory = append(record.PasswordHistory, entry.PasswordHash)
	}
	return record, nil
}

func rowFromRecord(record UserRecord, googleSub string) userRecordRow {
	row := userRecordRow{
		ID:           record.ID,
		Username:     record.Username,
		Email:        record.Email,
		DisplayName:  record.DisplayName,
		GoogleSub:    googleSub,
		PasswordHash: record.PasswordHash,
		Roles:        strings.Join(record.Roles, ","),
		Active:       record.Active,
	}
	if !record.PasswordSetAt.IsZero() {
		row.PasswordSetUnix = record.PasswordSetAt.Unix()
	}
	return row
}

func splitRoles(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
