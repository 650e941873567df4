package authkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTokenServiceValidateBoundary(t *testing.T) {
	harness := newTestHarness(t)
	token, payload := harness.issue(t, "user-1", []string{"user"}, time.Hour)

	harness.clock.Advance(time.Hour - time.Second)
	principal, err := harness.tokens.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("expected token valid one second before expiry, got %v", err)
	}
	if principal.SubjectID != "user-1" || principal.TokenID != payload.TokenID {
		t.Fatalf("unexpected principal %+v", principal)
	}
	if len(principal.Roles) != 1 || principal.Roles[0] != RoleUser {
		t.Fatalf("expected user role hint, got %v", principal.Roles)
	}

	harness.clock.Advance(time.Second)
	if _, err := harness.tokens.Validate(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired at expiry, got %v", err)
	}
	if harness.metrics.Count(metricValidateExpired) != 1 {
		t.Fatalf("expected expired counter, got %v", harness.metrics.Snapshot())
	}
}

func TestTokenServiceShortLivedTokenExpires(t *testing.T) {
	harness := newTestHarness(t)
	token, _ := harness.issue(t, "user-1", nil, time.Second)
	harness.clock.Advance(2 * time.Second)
	if _, err := harness.tokens.Validate(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenServiceRevoke(t *testing.T) {
	harness := newTestHarness(t)
	token, _ := harness.issue(t, "user-1", nil, time.Hour)
	otherToken, _ := harness.issue(t, "user-1", nil, time.Hour)

	if err := harness.tokens.Revoke(context.Background(), token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := harness.tokens.Revoke(context.Background(), token); err != nil {
		t.Fatalf("second revoke must be a no-op, got %v", err)
	}
	if _, err := harness.tokens.Validate(context.Background(), token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := harness.tokens.Validate(context.Background(), otherToken); err != nil {
		t.Fatalf("revocation must not affect other tokens, got %v", err)
	}
	if harness.revocations.Len() != 1 {
		t.Fatalf("expected single revocation entry, got %d", harness.revocations.Len())
	}
}

func TestTokenServiceExpiryCheckedBeforeRevocation(t *testing.T) {
	harness := newTestHarness(t)
	token, _ := harness.issue(t, "user-1", nil, time.Minute)
	if err := harness.tokens.Revoke(context.Background(), token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	harness.clock.Advance(time.Minute)
	if _, err := harness.tokens.Validate(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired for revoked and expired token, got %v", err)
	}
}

func TestTokenServiceRevokeExpiredTokenIsNoop(t *testing.T) {
	harness := newTestHarness(t)
	token, _ := harness.issue(t, "user-1", nil, time.Minute)
	harness.clock.Advance(2 * time.Minute)
	if err := harness.tokens.Revoke(context.Background(), token); err != nil {
		t.Fatalf("expected nil for expired token, got %v", err)
	}
	if harness.revocations.Len() != 0 {
		t.Fatalf("expired token must not be stored, got %d entries", harness.revocations.Len())
	}
}

func TestTokenServiceRevokeRejectsForgedToken(t *testing.T) {
	harness := newTestHarness(t)
	if err := harness.tokens.Revoke(context.Background(), "garbage"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestTokenServiceRefresh(t *testing.T) {
	harness := newTestHarness(t)
	token, original := harness.issue(t, "user-1", []string{"moderator"}, 30*time.Minute)

	harness.clock.Advance(10 * time.Minute)
	refreshed, payload, err := harness.tokens.Refresh(context.Background(), token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed == token || payload.TokenID == original.TokenID {
		t.Fatalf("expected a new token")
	}
	if payload.SubjectID != "user-1" {
		t.Fatalf("unexpected subject %s", payload.SubjectID)
	}
	if payload.Lifetime() != 30*time.Minute {
		t.Fatalf("expected original lifetime, got %v", payload.Lifetime())
	}
	if !payload.ExpiresAt.Equal(harness.clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected expiry relative to refresh time, got %v", payload.ExpiresAt)
	}
	principal, err := harness.tokens.Validate(context.Background(), refreshed)
	if err != nil {
		t.Fatalf("validate refreshed: %v", err)
	}
	if len(principal.Roles) != 1 || principal.Roles[0] != RoleModerator {
		t.Fatalf("expected claims carried over, got %v", principal.Roles)
	}
	if _, err := harness.tokens.Validate(context.Background(), token); err != nil {
		t.Fatalf("refresh must not revoke the original, got %v", err)
	}
}

func TestTokenServiceRefreshRejectsInvalidTokens(t *testing.T) {
	harness := newTestHarness(t)
	expired, _ := harness.issue(t, "user-1", nil, time.Minute)
	revoked, _ := harness.issue(t, "user-1", nil, time.Hour)
	if err := harness.tokens.Revoke(context.Background(), revoked); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	harness.clock.Advance(time.Minute)

	if _, _, err := harness.tokens.Refresh(context.Background(), expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, _, err := harness.tokens.Refresh(context.Background(), revoked); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestTokenServicePurposeScoping(t *testing.T) {
	harness := newTestHarness(t)
	resetToken, _, err := harness.tokens.Issue(context.Background(), "user-1", map[string]any{ClaimPurpose: PurposePasswordReset}, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sessionToken, _ := harness.issue(t, "user-1", nil, time.Hour)

	if _, err := harness.tokens.Validate(context.Background(), resetToken); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose for session use of reset token, got %v", err)
	}
	if _, _, err := harness.tokens.Refresh(context.Background(), resetToken); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose on refresh, got %v", err)
	}
	if _, err := harness.tokens.ValidatePurpose(context.Background(), sessionToken, PurposePasswordReset); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose for reset use of session token, got %v", err)
	}
	payload, err := harness.tokens.ValidatePurpose(context.Background(), resetToken, PurposePasswordReset)
	if err != nil {
		t.Fatalf("validate purpose: %v", err)
	}
	if payload.Purpose() != PurposePasswordReset {
		t.Fatalf("unexpected purpose %q", payload.Purpose())
	}
}

func TestTokenServiceConsume(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	resetToken, _, err := harness.tokens.Issue(ctx, "user-1", map[string]any{ClaimPurpose: PurposePasswordReset}, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sessionToken, _ := harness.issue(t, "user-1", nil, time.Hour)

	if _, err := harness.tokens.Consume(ctx, sessionToken, PurposePasswordReset); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose, got %v", err)
	}
	payload, err := harness.tokens.Consume(ctx, resetToken, PurposePasswordReset)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if payload.SubjectID != "user-1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if _, err := harness.tokens.Consume(ctx, resetToken, PurposePasswordReset); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected second consume to fail with ErrTokenRevoked, got %v", err)
	}
}

type failingRevocationStore struct {
	err error
}

func (store failingRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	return store.err
}

func (store failingRevocationStore) RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	return false, store.err
}

func (store failingRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return false, store.err
}

func (store failingRevocationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, store.err
}

func TestTokenServiceSurfacesStoreErrors(t *testing.T) {
	storeErr := errors.New("store unavailable")
	codec := newTestCodec(t, newControllableClock())
	tokens, err := NewTokenService(TokenServiceDependencies{Codec: codec, Revocations: failingRevocationStore{err: storeErr}})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	token, _, err := tokens.Issue(context.Background(), "user-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, validateErr := tokens.Validate(context.Background(), token)
	if !errors.Is(validateErr, storeErr) {
		t.Fatalf("expected store error, got %v", validateErr)
	}
	if errors.Is(validateErr, ErrTokenRevoked) || isTokenRejection(validateErr) {
		t.Fatalf("store failure must not look like a token rejection: %v", validateErr)
	}
	if revokeErr := tokens.Revoke(context.Background(), token); !errors.Is(revokeErr, storeErr) {
		t.Fatalf("expected store error from revoke, got %v", revokeErr)
	}
}

func TestNewTokenServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewTokenService(TokenServiceDependencies{Revocations: NewMemoryRevocationStore(nil)}); err == nil {
		t.Fatalf("expected error without codec")
	}
	codec := newTestCodec(t, nil)
	if _, err := NewTokenService(TokenServiceDependencies{Codec: codec}); err == nil {
		t.Fatalf("expected error without revocation store")
	}
}

func TestTokenServiceConcurrentValidateAndRevoke(t *testing.T) {
	harness := newTestHarness(t)
	tokens := make([]string, 20)
	for index := range tokens {
		tokens[index], _ = harness.issue(t, "user-1", nil, time.Hour)
	}

	var waitGroup sync.WaitGroup
	for index, token := range tokens {
		waitGroup.Add(2)
		go func(token string, revoke bool) {
			defer waitGroup.Done()
			if revoke {
				if err := harness.tokens.Revoke(context.Background(), token); err != nil {
					t.Errorf("revoke: %v", err)
				}
			}
		}(token, index%2 == 0)
		go func(token string) {
			defer waitGroup.Done()
			_, err := harness.tokens.Validate(context.Background(), token)
			if err != nil && !errors.Is(err, ErrTokenRevoked) {
				t.Errorf("unexpected validate error: %v", err)
			}
		}(token)
	}
	waitGroup.Wait()

	for index, token := range tokens {
		_, err := harness.tokens.Validate(context.Background(), token)
		if index%2 == 0 && !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("token %d: expected ErrTokenRevoked, got %v", index, err)
		}
		if index%2 == 1 && err != nil {
			t.Fatalf("token %d: expected valid, got %v", index, err)
		}
	}
}
