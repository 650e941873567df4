package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Principal is the identity resolved from a validated token.
type Principal struct {
	SubjectID string
	Roles     []Role
	Claims    map[string]any
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenServiceDependencies wires the collaborators of a TokenService.
type TokenServiceDependencies struct {
	Codec       *TokenCodec
	Revocations RevocationStore
	Clock       Clock
	Logger      *zap.Logger
	Metrics     MetricsRecorder
}

// TokenService is the only component that decides whether a token is valid.
type TokenService struct {
	codec       *TokenCodec
	revocations RevocationStore
	clock       Clock
	logger      *zap.Logger
	metrics     MetricsRecorder
}

// NewTokenService composes a codec and a revocation store.
func NewTokenService(dependencies TokenServiceDependencies) (*TokenService, error) {
	if dependencies.Codec == nil {
		return nil, errors.New("token_service.new: codec is required")
	}
	if dependencies.Revocations == nil {
		return nil, errors.New("token_service.new: revocation store is required")
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &TokenService{
		codec:       dependencies.Codec,
		revocations: dependencies.Revocations,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Issue signs a new token for subjectID.
func (service *TokenService) Issue(ctx context.Context, subjectID string, claims map[string]any, ttl time.Duration) (string, TokenPayload, error) {
	token, payload, err := service.codec.Encode(subjectID, claims, ttl)
	if err != nil {
		return "", TokenPayload{}, fmt.Errorf("token_service.issue: %w", err)
	}
	service.metrics.Increment(metricTokenIssued)
	return token, payload, nil
}

// Validate accepts session tokens only; purpose-scoped tokens fail with ErrWrongPurpose.
func (service *TokenService) Validate(ctx context.Context, token string) (Principal, error) {
	payload, err := service.check(ctx, token)
	if err != nil {
		return Principal{}, fmt.Errorf("token_service.validate: %w", err)
	}
	if payload.Purpose() != "" {
		service.recordFailure(ErrWrongPurpose, payload.TokenID)
		return Principal{}, fmt.Errorf("token_service.validate: %w", ErrWrongPurpose)
	}
	service.metrics.Increment(metricValidateSuccess)
	return principalFromPayload(payload), nil
}

// ValidatePurpose accepts only tokens whose purpose claim equals purpose.
func (service *TokenService) ValidatePurpose(ctx context.Context, token string, purpose string) (TokenPayload, error) {
	payload, err := service.check(ctx, token)
	if err != nil {
		return TokenPayload{}, fmt.Errorf("token_service.validate_purpose: %w", err)
	}
	if payload.Purpose() != purpose {
		service.recordFailure(ErrWrongPurpose, payload.TokenID)
		return TokenPayload{}, fmt.Errorf("token_service.validate_purpose: %w", ErrWrongPurpose)
	}
	service.metrics.Increment(metricValidateSuccess)
	return payload, nil
}

// Consume validates a purpose-scoped token and revokes it in one step. Only the first
// caller for a given token succeeds; later and concurrent callers get ErrTokenRevoked.
func (service *TokenService) Consume(ctx context.Context, token string, purpose string) (TokenPayload, error) {
	payload, err := service.ValidatePurpose(ctx, token, purpose)
	if err != nil {
		return TokenPayload{}, fmt.Errorf("token_service.consume: %w", err)
	}
	first, revokeErr := service.revocations.RevokeOnce(ctx, payload.TokenID, payload.ExpiresAt)
	if revokeErr != nil {
		service.recordFailure(revokeErr, payload.TokenID)
		return TokenPayload{}, fmt.Errorf("token_service.consume: %w", revokeErr)
	}
	if !first {
		service.recordFailure(ErrTokenRevoked, payload.TokenID)
		return TokenPayload{}, fmt.Errorf("token_service.consume: %w", ErrTokenRevoked)
	}
	service.metrics.Increment(metricTokenRevoked)
	return payload, nil
}

// Refresh issues a new token with the same subject, claims, and lifetime.
// The old token stays valid; callers wanting single use must Revoke it.
func (service *TokenService) Refresh(ctx context.Context, token string) (string, TokenPayload, error) {
	payload, err := service.check(ctx, token)
	if err != nil {
		return "", TokenPayload{}, fmt.Errorf("token_service.refresh: %w", err)
	}
	if payload.Purpose() != "" {
		service.recordFailure(ErrWrongPurpose, payload.TokenID)
		return "", TokenPayload{}, fmt.Errorf("token_service.refresh: %w", ErrWrongPurpose)
	}
	refreshed, refreshedPayload, encodeErr := service.codec.Encode(payload.SubjectID, payload.Claims, payload.Lifetime())
	if encodeErr != nil {
		return "", TokenPayload{}, fmt.Errorf("token_service.refresh: %w", encodeErr)
	}
	service.metrics.Increment(metricTokenRefreshed)
	return refreshed, refreshedPayload, nil
}

// Revoke invalidates token until its natural expiry. Expired tokens are accepted and ignored.
func (service *TokenService) Revoke(ctx context.Context, token string) error {
	payload, err := service.codec.Decode(token)
	if err != nil {
		return fmt.Errorf("token_service.revoke: %w", err)
	}
	if service.isExpired(payload) {
		return nil
	}
	if revokeErr := service.revocations.Revoke(ctx, payload.TokenID, payload.ExpiresAt); revokeErr != nil {
		return fmt.Errorf("token_service.revoke: %w", revokeErr)
	}
	service.metrics.Increment(metricTokenRevoked)
	service.logger.Debug("token revoked",
		zap.String("token_id", payload.TokenID),
		zap.String("subject_id", payload.SubjectID))
	return nil
}

func (service *TokenService) check(ctx context.Context, token string) (TokenPayload, error) {
	payload, err := service.codec.Decode(token)
	if err != nil {
		service.recordFailure(err, "")
		return TokenPayload{}, err
	}
	if service.isExpired(payload) {
		service.recordFailure(ErrTokenExpired, payload.TokenID)
		return TokenPayload{}, ErrTokenExpired
	}
	revoked, storeErr := service.revocations.IsRevoked(ctx, payload.TokenID)
	if storeErr != nil {
		service.recordFailure(storeErr, payload.TokenID)
		return TokenPayload{}, storeErr
	}
	if revoked {
		service.recordFailure(ErrTokenRevoked, payload.TokenID)
		return TokenPayload{}, ErrTokenRevoked
	}
	return payload, nil
}

// isExpired treats the exact expiry second as expired.
func (service *TokenService) isExpired(payload TokenPayload) bool {
	return !service.clock.Now().Before(payload.ExpiresAt)
}

func (service *TokenService) recordFailure(err error, tokenID string) {
	var metric, code string
	switch {
	case errors.Is(err, ErrMalformedToken):
		metric, code = metricValidateMalformed, "token.validate.malformed"
	case errors.Is(err, ErrBadSignature):
		metric, code = metricValidateBadSignature, "token.validate.bad_signature"
	case errors.Is(err, ErrInvalidIssuer):
		metric, code = metricValidateInvalidIssuer, "token.validate.invalid_issuer"
	case errors.Is(err, ErrTokenExpired):
		metric, code = metricValidateExpired, "token.validate.expired"
	case errors.Is(err, ErrTokenRevoked):
		metric, code = metricValidateRevoked, "token.validate.revoked"
	case errors.Is(err, ErrWrongPurpose):
		metric, code = metricValidateWrongPurpose, "token.validate.wrong_purpose"
	default:
		service.metrics.Increment(metricValidateStoreError)
		service.logger.Error("revocation lookup failed",
			zap.String("code", "token.validate.store_error"),
			zap.String("token_id", tokenID),
			zap.Error(err))
		return
	}
	service.metrics.Increment(metric)
	service.logger.Debug("token rejected",
		zap.String("code", code),
		zap.String("token_id", tokenID))
}

func principalFromPayload(payload TokenPayload) Principal {
	return Principal{
		SubjectID: payload.SubjectID,
		Roles:     ParseRoles(rolesFromClaims(payload.Claims)),
		Claims:    payload.Claims,
		TokenID:   payload.TokenID,
		IssuedAt:  payload.IssuedAt,
		ExpiresAt: payload.ExpiresAt,
	}
}

func rolesFromClaims(claims map[string]any) []string {
	switch typed := claims[ClaimRoles].(type) {
	case []string:
		return typed
	case []any:
		roles := make([]string, 0, len(typed))
		for _, value := range typed {
			if role, ok := value.(string); ok {
				roles = append(roles, role)
			}
		}
		return roles
	case string:
		return []string{typed}
	default:
		return nil
	}
}
