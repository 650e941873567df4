// Package tokenvalidator lets downstream services verify bearer tokens issued by tokenauth
// without calling back into it. It checks signature, issuer, and expiry only; revocation
// requires the issuing service's /auth/verify endpoint.
package tokenvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "token_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("token.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("token.validator.missing_issuer")
	ErrMissingToken      = errors.New("token.validator.missing_token")
	ErrInvalidToken      = errors.New("token.validator.invalid_token")
	ErrBadSignature      = errors.New("token.validator.bad_signature")
	ErrInvalidIssuer     = errors.New("token.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("token.validator.expired")
	ErrWrongPurpose      = errors.New("token.validator.wrong_purpose")
)

// Validator validates bearer tokens signed with the shared key.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// Claims mirror the payload of tokenauth access tokens.
type Claims struct {
	Custom map[string]any `json:"claims,omitempty"`
	jwt.RegisteredClaims
}

// GetSubjectID returns the subject identifier.
func (claims *Claims) GetSubjectID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetTokenID returns the token identifier.
func (claims *Claims) GetTokenID() string {
	if claims == nil {
		return ""
	}
	return claims.ID
}

// GetRoles returns the role hints carried by the token.
func (claims *Claims) GetRoles() []string {
	if claims == nil {
		return nil
	}
	raw, _ := claims.Custom["roles"].([]any)
	roles := make([]string, 0, len(raw))
	for _, value := range raw {
		if role, ok := value.(string); ok {
			roles = append(roles, role)
		}
	}
	return roles
}

// GetPurpose returns the purpose claim, empty for session tokens.
func (claims *Claims) GetPurpose() string {
	if claims == nil {
		return ""
	}
	purpose, _ := claims.Custom["purpose"].(string)
	return purpose
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("token.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// ValidateToken validates a session token and returns the parsed claims.
// Purpose-scoped tokens such as password reset links are rejected.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := newParser(true).ParseWithClaims(tokenString, &Claims{}, validator.keyFunc)
	if parseErr != nil {
		if validator.isSignatureFailure(tokenString, parseErr) {
			return nil, fmt.Errorf("token.validator.validate_token: %w", ErrBadSignature)
		}
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if !validator.clock.Now().Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.GetPurpose() != "" {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrWrongPurpose)
	}
	return claims, nil
}

func newParser(strict bool) *jwt.Parser {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	}
	if strict {
		options = append(options, jwt.WithStrictDecoding())
	}
	return jwt.NewParser(options...)
}

func (validator *Validator) keyFunc(parsed *jwt.Token) (interface{}, error) {
	return validator.signingKey, nil
}

// isSignatureFailure reports whether parseErr came from the signature. A signature segment
// that decodes only without strict base64 rules counts as a signature failure.
func (validator *Validator) isSignatureFailure(tokenString string, parseErr error) bool {
	if errors.Is(parseErr, jwt.ErrTokenSignatureInvalid) {
		return true
	}
	if !errors.Is(parseErr, jwt.ErrTokenMalformed) {
		return false
	}
	_, lenientErr := newParser(false).ParseWithClaims(tokenString, &Claims{}, validator.keyFunc)
	return lenientErr == nil || errors.Is(lenientErr, jwt.ErrTokenSignatureInvalid)
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("token.validator.validate_request: %w", ErrMissingToken)
	}
	parts := strings.Fields(request.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("token.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(parts[1])
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCode(err)})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_credentials"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrWrongPurpose):
		return "wrong_purpose"
	default:
		return "unauthorized"
	}
}
