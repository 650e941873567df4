package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultPasswordResetTTL is shorter than a session so reset links go stale quickly.
	DefaultPasswordResetTTL = 15 * time.Minute
	// DefaultPasswordHistory is the number of previous hashes a new password is checked against.
	DefaultPasswordHistory = 5
	// DefaultMaxPasswordAge is the age after which a password should be rotated.
	DefaultMaxPasswordAge = 90 * 24 * time.Hour

	minimumPasswordLength = 8
	passwordSymbols       = "!@#$%^&*(),.?\":{}|<>"
)

// PasswordManagerDependencies wires a PasswordManager.
type PasswordManagerDependencies struct {
	Tokens       *TokenService
	Users        UserStore
	Limiter      *ResetRateLimiter
	Clock        Clock
	Logger       *zap.Logger
	Metrics      MetricsRecorder
	BcryptCost   int
	ResetTTL     time.Duration
	HistoryLimit int
}

// PasswordManager hashes passwords and runs the single-use reset flow.
type PasswordManager struct {
	tokens       *TokenService
	users        UserStore
	limiter      *ResetRateLimiter
	clock        Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
	bcryptCost   int
	resetTTL     time.Duration
	historyLimit int
}

// NewPasswordManager applies defaults for every zero-valued dependency except Tokens and Users.
func NewPasswordManager(dependencies PasswordManagerDependencies) *PasswordManager {
	manager := &PasswordManager{
		tokens:       dependencies.Tokens,
		users:        dependencies.Users,
		limiter:      dependencies.Limiter,
		clock:        dependencies.Clock,
		logger:       dependencies.Logger,
		metrics:      dependencies.Metrics,
		bcryptCost:   dependencies.BcryptCost,
		resetTTL:     dependencies.ResetTTL,
		historyLimit: dependencies.HistoryLimit,
	}
	if manager.clock == nil {
		manager.clock = NewSystemClock()
	}
	if manager.limiter == nil {
		manager.limiter = NewResetRateLimiter(0, 0, manager.clock)
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.metrics == nil {
		manager.metrics = noopMetrics{}
	}
	if manager.bcryptCost == 0 {
		manager.bcryptCost = bcrypt.DefaultCost
	}
	if manager.resetTTL <= 0 {
		manager.resetTTL = DefaultPasswordResetTTL
	}
	if manager.historyLimit <= 0 {
		manager.historyLimit = DefaultPasswordHistory
	}
	return manager
}

// HashPassword returns a bcrypt hash of password.
func (manager *PasswordManager) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), manager.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("password.hash: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether password matches hashed.
func (manager *PasswordManager) VerifyPassword(hashed string, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

// IsStrongPassword requires eight characters with upper, lower, digit, and symbol classes.
func IsStrongPassword(password string) bool {
	if len(password) < minimumPasswordLength {
		return false
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, character := range password {
		switch {
		case unicode.IsUpper(character):
			hasUpper = true
		case unicode.IsLower(character):
			hasLower = true
		case unicode.IsDigit(character):
			hasDigit = true
		case strings.ContainsRune(passwordSymbols, character):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// IsPasswordExpired reports whether a password set at setAt is older than maxAge.
func (manager *PasswordManager) IsPasswordExpired(setAt time.Time, maxAge time.Duration) bool {
	if setAt.IsZero() {
		return false
	}
	return manager.clock.Now().Sub(setAt) > maxAge
}

// Authenticate checks username and password against the user store.
func (manager *PasswordManager) Authenticate(ctx context.Context, username string, password string) (UserRecord, error) {
	record, err := manager.users.FindByUsername(ctx, username)
	if err != nil {
		manager.metrics.Increment(metricLoginFailure)
		if errors.Is(err, ErrUserNotFound) {
			return UserRecord{}, fmt.Errorf("password.authenticate: %w", ErrInvalidCredentials)
		}
		return UserRecord{}, fmt.Errorf("password.authenticate: %w", err)
	}
	if !manager.VerifyPassword(record.PasswordHash, password) {
		manager.metrics.Increment(metricLoginFailure)
		return UserRecord{}, fmt.Errorf("password.authenticate: %w", ErrInvalidCredentials)
	}
	if !record.Active {
		manager.metrics.Increment(metricLoginFailure)
		return UserRecord{}, fmt.Errorf("password.authenticate: %w", ErrInactiveSubject)
	}
	manager.metrics.Increment(metricLoginSuccess)
	return record, nil
}

// Register creates a user with a strong password and the default user role.
func (manager *PasswordManager) Register(ctx context.Context, username string, email string, password string) (UserRecord, error) {
	if !IsStrongPassword(password) {
		return UserRecord{}, fmt.Errorf("password.register: %w", ErrWeakPassword)
	}
	hashed, err := manager.HashPassword(password)
	if err != nil {
		return UserRecord{}, err
	}
	record, createErr := manager.users.CreateUser(ctx, UserRecord{
		Username:      username,
		Email:         email,
		PasswordHash:  hashed,
		PasswordSetAt: manager.clock.Now(),
		Roles:         []string{string(RoleUser)},
		Active:        true,
	})
	if createErr != nil {
		return UserRecord{}, fmt.Errorf("password.register: %w", createErr)
	}
	return record, nil
}

// IssueResetToken returns a password_reset token for the account registered under email.
func (manager *PasswordManager) IssueResetToken(ctx context.Context, email string) (string, TokenPayload, error) {
	if !manager.limiter.Allow(email) {
		manager.metrics.Increment(metricResetRateLimited)
		return "", TokenPayload{}, fmt.Errorf("password.issue_reset: %w", ErrResetRateLimited)
	}
	record, err := manager.users.FindByEmail(ctx, email)
	if err != nil {
		return "", TokenPayload{}, fmt.Errorf("password.issue_reset: %w", err)
	}
	token, payload, issueErr := manager.tokens.Issue(ctx, record.ID, map[string]any{ClaimPurpose: PurposePasswordReset}, manager.resetTTL)
	if issueErr != nil {
		return "", TokenPayload{}, fmt.Errorf("password.issue_reset: %w", issueErr)
	}
	return token, payload, nil
}

// ResetPassword consumes a reset token and stores newPassword. The token is consumed
// atomically before the password is written, so concurrent callers holding the same token
// cannot both succeed; the losers get ErrTokenRevoked.
func (manager *PasswordManager) ResetPassword(ctx context.Context, token string, newPassword string) error {
	payload, err := manager.tokens.ValidatePurpose(ctx, token, PurposePasswordReset)
	if err != nil {
		return fmt.Errorf("password.reset: %w", err)
	}
	if !IsStrongPassword(newPassword) {
		return fmt.Errorf("password.reset: %w", ErrWeakPassword)
	}
	record, findErr := manager.users.FindUser(ctx, payload.SubjectID)
	if findErr != nil {
		return fmt.Errorf("password.reset: %w", findErr)
	}
	if manager.isReused(record, newPassword) {
		return fmt.Errorf("password.reset: %w", ErrPasswordReused)
	}
	if _, consumeErr := manager.tokens.Consume(ctx, token, PurposePasswordReset); consumeErr != nil {
		return fmt.Errorf("password.reset: %w", consumeErr)
	}
	if storeErr := manager.store(ctx, record.ID, newPassword); storeErr != nil {
		return fmt.Errorf("password.reset: %w", storeErr)
	}
	manager.limiter.Reset(record.Email)
	manager.metrics.Increment(metricPasswordReset)
	manager.logger.Info("password reset",
		zap.String("code", "auth.password.reset"),
		zap.String("subject_id", record.ID))
	return nil
}

// ChangePassword replaces the password of subjectID after verifying the current one.
func (manager *PasswordManager) ChangePassword(ctx context.Context, subjectID string, currentPassword string, newPassword string) error {
	record, err := manager.users.FindUser(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("password.change: %w", err)
	}
	if !manager.VerifyPassword(record.PasswordHash, currentPassword) {
		return fmt.Errorf("password.change: %w", ErrInvalidCredentials)
	}
	if !IsStrongPassword(newPassword) {
		return fmt.Errorf("password.change: %w", ErrWeakPassword)
	}
	if manager.isReused(record, newPassword) {
		return fmt.Errorf("password.change: %w", ErrPasswordReused)
	}
	if storeErr := manager.store(ctx, record.ID, newPassword); storeErr != nil {
		return fmt.Errorf("password.change: %w", storeErr)
	}
	return nil
}

func (manager *PasswordManager) store(ctx context.Context, subjectID string, password string) error {
	hashed, err := manager.HashPassword(password)
	if err != nil {
		return err
	}
	return manager.users.UpdatePassword(ctx, subjectID, hashed, manager.clock.Now())
}

func (manager *PasswordManager) isReused(record UserRecord, password string) bool {
	if manager.VerifyPassword(record.PasswordHash, password) {
		return true
	}
	for index, previous := range record.PasswordHistory {
		if index >= manager.historyLimit {
			break
		}
		if manager.VerifyPassword(previous, password) {
			return true
		}
	}
	return false
}
