package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tokenauth/internal/authkit"
	"go.uber.org/zap"
)

// InMemoryUsers is a user store used for demo and local runs.
type InMemoryUsers struct {
	mutex        sync.RWMutex
	users        map[string]authkit.UserRecord
	historyLimit int
}

// NewInMemoryUsers constructs an empty store keeping historyLimit previous password hashes.
func NewInMemoryUsers(historyLimit int) *InMemoryUsers {
	if historyLimit <= 0 {
		historyLimit = authkit.DefaultPasswordHistory
	}
	return &InMemoryUsers{users: make(map[string]authkit.UserRecord), historyLimit: historyLimit}
}

// FindUser returns the record stored under subjectID.
func (store *InMemoryUsers) FindUser(ctx context.Context, subjectID string) (authkit.UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.users[subjectID]
	if !ok {
		return authkit.UserRecord{}, fmt.Errorf("user_store.find_user.memory: %w", authkit.ErrUserNotFound)
	}
	return cloneRecord(record), nil
}

// FindByUsername returns the record with username.
func (store *InMemoryUsers) FindByUsername(ctx context.Context, username string) (authkit.UserRecord, error) {
	return store.findWhere("user_store.find_by_username.memory", func(record authkit.UserRecord) bool {
		return record.Username == username
	})
}

// FindByEmail returns the record with email, compared case-insensitively.
func (store *InMemoryUsers) FindByEmail(ctx context.Context, email string) (authkit.UserRecord, error) {
	normalized := normalizeEmail(email)
	return store.findWhere("user_store.find_by_email.memory", func(record authkit.UserRecord) bool {
		return record.Email == normalized
	})
}

// CreateUser stores record, assigning an id when empty.
func (store *InMemoryUsers) CreateUser(ctx context.Context, record authkit.UserRecord) (authkit.UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record.Email = normalizeEmail(record.Email)
	for _, existing := range store.users {
		if existing.Username == record.Username || existing.Email == record.Email {
			return authkit.UserRecord{}, fmt.Errorf("user_store.create.memory: %w", authkit.ErrUserExists)
		}
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	store.users[record.ID] = cloneRecord(record)
	return record, nil
}

// UpdatePassword replaces the hash and pushes the previous one onto the history.
func (store *InMemoryUsers) UpdatePassword(ctx context.Context, subjectID string, passwordHash string, setAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[subjectID]
	if !ok {
		return fmt.Errorf("user_store.update_password.memory: %w", authkit.ErrUserNotFound)
	}
	if record.PasswordHash != "" {
		record.PasswordHistory = append([]string{record.PasswordHash}, record.PasswordHistory...)
		if len(record.PasswordHistory) > store.historyLimit {
			record.PasswordHistory = record.PasswordHistory[:store.historyLimit]
		}
	}
	record.PasswordHash = passwordHash
	record.PasswordSetAt = setAt
	store.users[subjectID] = record
	return nil
}

// UpsertGoogleUser inserts or updates a user based on Google sub.
func (store *InMemoryUsers) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (authkit.UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	applicationUserID := "google:" + googleSub
	normalizedEmail := normalizeEmail(userEmail)
	for id, existing := range store.users {
		if id != applicationUserID && existing.Email == normalizedEmail {
			return authkit.UserRecord{}, fmt.Errorf("user_store.upsert_google.memory: %w", authkit.ErrUserExists)
		}
	}
	record, ok := store.users[applicationUserID]
	if !ok {
		record = authkit.UserRecord{
			ID:       applicationUserID,
			Username: applicationUserID,
			Roles:    []string{string(authkit.RoleUser)},
			Active:   true,
		}
	}
	record.Email = normalizedEmail
	record.DisplayName = userDisplayName
	store.users[applicationUserID] = record
	return cloneRecord(record), nil
}

// SetRoles replaces the roles of subjectID.
func (store *InMemoryUsers) SetRoles(subjectID string, roles ...string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[subjectID]
	if !ok {
		return fmt.Errorf("user_store.set_roles.memory: %w", authkit.ErrUserNotFound)
	}
	record.Roles = append([]string(nil), roles...)
	store.users[subjectID] = record
	return nil
}

// SetActive enables or disables subjectID.
func (store *InMemoryUsers) SetActive(subjectID string, active bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[subjectID]
	if !ok {
		return fmt.Errorf("user_store.set_active.memory: %w", authkit.ErrUserNotFound)
	}
	record.Active = active
	store.users[subjectID] = record
	return nil
}

func (store *InMemoryUsers) findWhere(operation string, match func(authkit.UserRecord) bool) (authkit.UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	for _, record := range store.users {
		if match(record) {
			return cloneRecord(record), nil
		}
	}
	return authkit.UserRecord{}, fmt.Errorf("%s: %w", operation, authkit.ErrUserNotFound)
}

func cloneRecord(record authkit.UserRecord) authkit.UserRecord {
	record.Roles = append([]string(nil), record.Roles...)
	record.PasswordHistory = append([]string(nil), record.PasswordHistory...)
	return record
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HandleWhoAmI resolves the authenticated user's profile payload. It must run after RequireBearer.
func HandleWhoAmI(logger *zap.Logger, users authkit.UserStore, access *authkit.AccessControl) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil || access == nil {
		panic("user store and access control are required")
	}

	return func(contextGin *gin.Context) {
		principal, found := authkit.PrincipalFromContext(contextGin)
		if !found || principal.SubjectID == "" {
			logger.Warn("missing principal on context",
				zap.String("code", "api.me.missing_principal"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		record, lookupErr := users.FindUser(contextGin, principal.SubjectID)
		if lookupErr != nil {
			if errors.Is(lookupErr, authkit.ErrUserNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", principal.SubjectID))
				contextGin.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", principal.SubjectID),
				zap.Error(lookupErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":     principal.SubjectID,
			"user_email":  record.Email,
			"display":     record.DisplayName,
			"roles":       principal.Roles,
			"permissions": access.PermissionsFor(principal.Roles...),
			"expires":     principal.ExpiresAt,
		})
	}
}
