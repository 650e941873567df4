package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const strongPassword = "Str0ng!Pass"

func newTestPasswordManager(t *testing.T, harness *testHarness) *PasswordManager {
	t.Helper()
	return NewPasswordManager(PasswordManagerDependencies{
		Tokens:     harness.tokens,
		Users:      harness.users,
		Limiter:    NewResetRateLimiter(3, 15*time.Minute, harness.clock),
		Clock:      harness.clock,
		Logger:     zaptest.NewLogger(t),
		Metrics:    harness.metrics,
		BcryptCost: bcrypt.MinCost,
	})
}

func TestIsStrongPassword(t *testing.T) {
	testCases := map[string]bool{
		strongPassword: true,
		"Sh0rt!":       false,
		"alllower1!":   false,
		"ALLUPPER1!":   false,
		"NoDigits!!":   false,
		"NoSymbol11":   false,
		"Ünïcode1!x":   true,
	}
	for password, expected := range testCases {
		if got := IsStrongPassword(password); got != expected {
			t.Fatalf("%q: expected %v, got %v", password, expected, got)
		}
	}
}

func TestPasswordManagerRegisterAndAuthenticate(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	ctx := context.Background()

	if _, err := manager.Register(ctx, "alice", "alice@example.com", "weak"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	record, err := manager.Register(ctx, "alice", "alice@example.com", strongPassword)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if record.PasswordHash == strongPassword || !record.Active {
		t.Fatalf("unexpected record %+v", record)
	}
	if _, err := manager.Register(ctx, "alice", "other@example.com", strongPassword); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	authenticated, err := manager.Authenticate(ctx, "alice", strongPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authenticated.ID != record.ID {
		t.Fatalf("unexpected user %s", authenticated.ID)
	}
	if _, err := manager.Authenticate(ctx, "alice", "Wr0ng!Pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := manager.Authenticate(ctx, "nobody", strongPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if harness.metrics.Count(metricLoginSuccess) != 1 || harness.metrics.Count(metricLoginFailure) != 2 {
		t.Fatalf("unexpected login counters %v", harness.metrics.Snapshot())
	}
}

func TestPasswordManagerRejectsInactiveUser(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	hashed, err := manager.HashPassword(strongPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	harness.users.put(UserRecord{ID: "user-9", Username: "disabled", Email: "d@example.com", PasswordHash: hashed, Active: false})
	if _, err := manager.Authenticate(context.Background(), "disabled", strongPassword); !errors.Is(err, ErrInactiveSubject) {
		t.Fatalf("expected ErrInactiveSubject, got %v", err)
	}
}

func TestPasswordResetFlowIsSingleUse(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	ctx := context.Background()
	record, err := manager.Register(ctx, "alice", "alice@example.com", strongPassword)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, payload, err := manager.IssueResetToken(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("issue reset: %v", err)
	}
	if payload.SubjectID != record.ID || payload.Lifetime() != DefaultPasswordResetTTL {
		t.Fatalf("unexpected reset payload %+v", payload)
	}
	if _, err := harness.tokens.Validate(ctx, token); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("reset token must not work as a session, got %v", err)
	}

	if err := manager.ResetPassword(ctx, token, strongPassword); !errors.Is(err, ErrPasswordReused) {
		t.Fatalf("expected ErrPasswordReused, got %v", err)
	}
	if err := manager.ResetPassword(ctx, token, "weak"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := manager.ResetPassword(ctx, token, "N3w!Password"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := manager.ResetPassword(ctx, token, "An0ther!Password"); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected reset token to be single use, got %v", err)
	}
	if _, err := manager.Authenticate(ctx, "alice", "N3w!Password"); err != nil {
		t.Fatalf("authenticate with new password: %v", err)
	}
	if harness.metrics.Count(metricPasswordReset) != 1 {
		t.Fatalf("expected reset counter, got %v", harness.metrics.Snapshot())
	}
}

func TestPasswordResetTokenConcurrentUseSucceedsOnce(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	ctx := context.Background()
	if _, err := manager.Register(ctx, "alice", "alice@example.com", strongPassword); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, _, err := manager.IssueResetToken(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("issue reset: %v", err)
	}

	const workers = 8
	var successes atomic.Int32
	var waitGroup sync.WaitGroup
	start := make(chan struct{})
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			<-start
			resetErr := manager.ResetPassword(ctx, token, fmt.Sprintf("N3w!Password%d", worker))
			switch {
			case resetErr == nil:
				successes.Add(1)
			case !errors.Is(resetErr, ErrTokenRevoked):
				t.Errorf("worker %d: expected ErrTokenRevoked, got %v", worker, resetErr)
			}
		}(worker)
	}
	close(start)
	waitGroup.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful reset, got %d", successes.Load())
	}
	if harness.metrics.Count(metricPasswordReset) != 1 {
		t.Fatalf("expected one reset counted, got %v", harness.metrics.Snapshot())
	}
}

func TestPasswordResetTokenExpires(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	ctx := context.Background()
	if _, err := manager.Register(ctx, "alice", "alice@example.com", strongPassword); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, _, err := manager.IssueResetToken(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("issue reset: %v", err)
	}
	harness.clock.Advance(DefaultPasswordResetTTL)
	if err := manager.ResetPassword(ctx, token, "N3w!Password"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestPasswordResetRateLimit(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	ctx := context.Background()
	if _, err := manager.Register(ctx, "alice", "alice@example.com", strongPassword); err != nil {
		t.Fatalf("register: %v", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		if _, _, err := manager.IssueResetToken(ctx, "alice@example.com"); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}
	if _, _, err := manager.IssueResetToken(ctx, "alice@example.com"); !errors.Is(err, ErrResetRateLimited) {
		t.Fatalf("expected ErrResetRateLimited, got %v", err)
	}
	if _, _, err := manager.IssueResetToken(ctx, "unknown@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected limiter to be per email, got %v", err)
	}
	harness.clock.Advance(15 * time.Minute)
	if _, _, err := manager.IssueResetToken(ctx, "alice@example.com"); err != nil {
		t.Fatalf("expected limiter to refill after the window, got %v", err)
	}
}

func TestPasswordHistoryPreventsReuse(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	ctx := context.Background()
	record, err := manager.Register(ctx, "alice", "alice@example.com", "F1rst!Password")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.ChangePassword(ctx, record.ID, "F1rst!Password", "S3cond!Password"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if err := manager.ChangePassword(ctx, record.ID, "S3cond!Password", "F1rst!Password"); !errors.Is(err, ErrPasswordReused) {
		t.Fatalf("expected ErrPasswordReused for a recent password, got %v", err)
	}
	if err := manager.ChangePassword(ctx, record.ID, "wrong", "Th1rd!Password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestIsPasswordExpired(t *testing.T) {
	harness := newTestHarness(t)
	manager := newTestPasswordManager(t, harness)
	now := harness.clock.Now()
	if manager.IsPasswordExpired(time.Time{}, DefaultMaxPasswordAge) {
		t.Fatalf("unset timestamp must not count as expired")
	}
	if manager.IsPasswordExpired(now.Add(-time.Hour), DefaultMaxPasswordAge) {
		t.Fatalf("recent password must not be expired")
	}
	if !manager.IsPasswordExpired(now.Add(-DefaultMaxPasswordAge-time.Second), DefaultMaxPasswordAge) {
		t.Fatalf("old password must be expired")
	}
}

func TestResetRateLimiterReset(t *testing.T) {
	clock := newControllableClock()
	limiter := NewResetRateLimiter(1, time.Hour, clock)
	if !limiter.Allow("a@example.com") {
		t.Fatalf("expected first attempt")
	}
	if limiter.Allow(" A@EXAMPLE.com") {
		t.Fatalf("expected normalized email to share a bucket")
	}
	limiter.Reset("a@example.com")
	if !limiter.Allow("a@example.com") {
		t.Fatalf("expected reset to clear attempts")
	}
}
