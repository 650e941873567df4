package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PrincipalContextKey is the gin context key holding the authenticated Principal.
const PrincipalContextKey = "auth_principal"

// RequestAuthenticator turns an Authorization header into a Principal.
// Attaching the Principal to a request is left to the caller or the gin adapters below.
type RequestAuthenticator struct {
	tokens  *TokenService
	users   UserStore
	access  *AccessControl
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewRequestAuthenticator wires the authenticator. users may be nil, in which case roles
// come from the token's role claim.
func NewRequestAuthenticator(tokens *TokenService, users UserStore, access *AccessControl, logger *zap.Logger, metrics MetricsRecorder) *RequestAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RequestAuthenticator{tokens: tokens, users: users, access: access, logger: logger, metrics: metrics}
}

// Authenticate validates the bearer token in rawHeader and resolves the subject.
func (authenticator *RequestAuthenticator) Authenticate(ctx context.Context, rawHeader string) (Principal, error) {
	token, extractErr := ExtractBearerToken(rawHeader)
	if extractErr != nil {
		return Principal{}, fmt.Errorf("authenticator.authenticate: %w", extractErr)
	}
	principal, validateErr := authenticator.tokens.Validate(ctx, token)
	if validateErr != nil {
		if !isTokenRejection(validateErr) {
			return Principal{}, fmt.Errorf("authenticator.authenticate: %w", validateErr)
		}
		return Principal{}, fmt.Errorf("authenticator.authenticate: %w: %w", ErrUnauthorized, validateErr)
	}
	if authenticator.users == nil {
		return principal, nil
	}
	record, findErr := authenticator.users.FindUser(ctx, principal.SubjectID)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return Principal{}, fmt.Errorf("authenticator.authenticate: %w: %w", ErrUnauthorized, ErrUnknownSubject)
		}
		return Principal{}, fmt.Errorf("authenticator.authenticate: %w", findErr)
	}
	if !record.Active {
		return Principal{}, fmt.Errorf("authenticator.authenticate: %w: %w", ErrUnauthorized, ErrInactiveSubject)
	}
	principal.Roles = ParseRoles(record.Roles)
	return principal, nil
}

// RequirePermission fails with ErrForbidden unless principal's roles grant permission.
func (authenticator *RequestAuthenticator) RequirePermission(principal Principal, permission Permission) error {
	if authenticator.access.HasPermission(principal, permission) {
		return nil
	}
	authenticator.metrics.Increment(metricAccessDenied)
	return fmt.Errorf("authenticator.require_permission.%s: %w", permission, ErrForbidden)
}

// RequireRole fails with ErrForbidden unless principal holds role.
func (authenticator *RequestAuthenticator) RequireRole(principal Principal, role Role) error {
	if authenticator.access.HasRole(principal, role) {
		return nil
	}
	authenticator.metrics.Increment(metricAccessDenied)
	return fmt.Errorf("authenticator.require_role.%s: %w", role, ErrForbidden)
}

// ExtractBearerToken returns the token from a "Bearer <token>" header value.
func ExtractBearerToken(rawHeader string) (string, error) {
	parts := strings.Fields(rawHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMissingCredentials
	}
	return parts[1], nil
}

// RequireBearer authenticates the request and stores the Principal under PrincipalContextKey.
func (authenticator *RequestAuthenticator) RequireBearer() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, err := authenticator.Authenticate(contextGin.Request.Context(), contextGin.GetHeader("Authorization"))
		if err != nil {
			status, code := StatusForError(err)
			if status == http.StatusInternalServerError {
				authenticator.logger.Error("authentication lookup failed",
					zap.String("code", "auth.authenticate.error"),
					zap.Error(err))
			}
			contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
		contextGin.Set(PrincipalContextKey, principal)
		contextGin.Next()
	}
}

// RequirePermissionHandler must run after RequireBearer.
func (authenticator *RequestAuthenticator) RequirePermissionHandler(permission Permission) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, ok := PrincipalFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credentials"})
			return
		}
		if err := authenticator.RequirePermission(principal, permission); err != nil {
			authenticator.logger.Info("permission denied",
				zap.String("code", "auth.permission.denied"),
				zap.String("subject_id", principal.SubjectID),
				zap.String("permission", string(permission)))
			status, code := StatusForError(err)
			contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
		contextGin.Next()
	}
}

// RequireRoleHandler is the gin form of RequireRole; it must run after RequireBearer.
func (authenticator *RequestAuthenticator) RequireRoleHandler(role Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, ok := PrincipalFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credentials"})
			return
		}
		if err := authenticator.RequireRole(principal, role); err != nil {
			authenticator.logger.Info("role denied",
				zap.String("code", "auth.role.denied"),
				zap.String("subject_id", principal.SubjectID),
				zap.String("role", string(role)))
			status, code := StatusForError(err)
			contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
		contextGin.Next()
	}
}

// PrincipalFromContext returns the Principal stored by RequireBearer.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, found := contextGin.Get(PrincipalContextKey)
	if !found {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

// StatusForError maps the error taxonomy to an HTTP status and a stable error code.
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return http.StatusUnauthorized, "missing_credentials"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, ErrTokenRevoked):
		return http.StatusUnauthorized, "token_revoked"
	case errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized, "bad_signature"
	case errors.Is(err, ErrMalformedToken):
		return http.StatusUnauthorized, "malformed_token"
	case errors.Is(err, ErrInvalidIssuer):
		return http.StatusUnauthorized, "invalid_issuer"
	case errors.Is(err, ErrWrongPurpose):
		return http.StatusUnauthorized, "wrong_purpose"
	case errors.Is(err, ErrUnknownSubject):
		return http.StatusUnauthorized, "unknown_subject"
	case errors.Is(err, ErrInactiveSubject):
		return http.StatusUnauthorized, "inactive_subject"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func isTokenRejection(err error) bool {
	return errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrInvalidIssuer) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrWrongPurpose)
}
