package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ClaimPurpose scopes a token to a single use such as a password reset.
	ClaimPurpose = "purpose"
	// ClaimRoles carries role hints for the subject.
	ClaimRoles = "roles"

	// PurposePasswordReset marks tokens accepted only by the password reset flow.
	PurposePasswordReset = "password_reset"
)

// TokenPayload is the logical content of a token.
type TokenPayload struct {
	TokenID   string
	SubjectID string
	Issuer    string
	Claims    map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Lifetime returns the span between issuance and expiry.
func (payload TokenPayload) Lifetime() time.Duration {
	return payload.ExpiresAt.Sub(payload.IssuedAt)
}

// Purpose returns the purpose claim or an empty string for session tokens.
func (payload TokenPayload) Purpose() string {
	purpose, _ := payload.Claims[ClaimPurpose].(string)
	return purpose
}

type tokenClaims struct {
	Claims map[string]any `json:"claims,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec encodes and decodes HS256-signed tokens. It never checks expiry or revocation.
type TokenCodec struct {
	signingKey []byte
	issuer     string
	clock      Clock
	newTokenID func() string
}

// NewTokenCodec constructs a codec. A nil clock falls back to the system clock.
func NewTokenCodec(signingKey []byte, issuer string, clock Clock) (*TokenCodec, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("token.codec.new: %w", ErrMissingSigningKey)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{
		signingKey: signingKey,
		issuer:     issuer,
		clock:      clock,
		newTokenID: uuid.NewString,
	}, nil
}

// Encode signs a token for subjectID carrying claims that expires ttl from now.
func (codec *TokenCodec) Encode(subjectID string, claims map[string]any, ttl time.Duration) (string, TokenPayload, error) {
	if strings.TrimSpace(subjectID) == "" {
		return "", TokenPayload{}, fmt.Errorf("token.encode: %w", ErrEmptySubject)
	}
	if ttl < time.Second {
		return "", TokenPayload{}, fmt.Errorf("token.encode: %w", ErrInvalidTTL)
	}
	issuedAt := codec.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl).Truncate(time.Second)
	payload := TokenPayload{
		TokenID:   codec.newTokenID(),
		SubjectID: subjectID,
		Issuer:    codec.issuer,
		Claims:    cloneClaims(claims),
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Claims: payload.Claims,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        payload.TokenID,
			Issuer:    codec.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", TokenPayload{}, fmt.Errorf("token.encode: %w", err)
	}
	return signed, payload, nil
}

// Decode verifies the signature and issuer and returns the embedded payload.
func (codec *TokenCodec) Decode(tokenString string) (TokenPayload, error) {
	if strings.TrimSpace(tokenString) == "" {
		return TokenPayload{}, fmt.Errorf("token.decode: %w", ErrMalformedToken)
	}
	parsedToken, parseErr := newCodecParser(true).ParseWithClaims(tokenString, &tokenClaims{}, codec.keyFunc)
	if parseErr != nil {
		return TokenPayload{}, fmt.Errorf("token.decode: %w", codec.classifyParseError(tokenString, parseErr))
	}
	claims, ok := parsedToken.Claims.(*tokenClaims)
	if !ok || claims.Subject == "" || claims.ID == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return TokenPayload{}, fmt.Errorf("token.decode: %w", ErrMalformedToken)
	}
	if claims.Issuer != codec.issuer {
		return TokenPayload{}, fmt.Errorf("token.decode: %w", ErrInvalidIssuer)
	}
	return TokenPayload{
		TokenID:   claims.ID,
		SubjectID: claims.Subject,
		Issuer:    claims.Issuer,
		Claims:    cloneClaims(claims.Claims),
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

func newCodecParser(strict bool) *jwt.Parser {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
		jwt.WithJSONNumber(),
	}
	if strict {
		options = append(options, jwt.WithStrictDecoding())
	}
	return jwt.NewParser(options...)
}

func (codec *TokenCodec) keyFunc(parsed *jwt.Token) (interface{}, error) {
	return codec.signingKey, nil
}

// classifyParseError maps parser failures onto ErrBadSignature or ErrMalformedToken.
// A signature segment that only decodes leniently (non-zero trailing bits) is an altered
// signature, so it is reported as ErrBadSignature rather than as a malformed token.
func (codec *TokenCodec) classifyParseError(tokenString string, parseErr error) error {
	if errors.Is(parseErr, jwt.ErrTokenSignatureInvalid) {
		return ErrBadSignature
	}
	if !errors.Is(parseErr, jwt.ErrTokenMalformed) {
		return ErrMalformedToken
	}
	_, lenientErr := newCodecParser(false).ParseWithClaims(tokenString, &tokenClaims{}, codec.keyFunc)
	if lenientErr == nil || errors.Is(lenientErr, jwt.ErrTokenSignatureInvalid) {
		return ErrBadSignature
	}
	return ErrMalformedToken
}

func cloneClaims(claims map[string]any) map[string]any {
	clone := make(map[string]any, len(claims))
	for key, value := range claims {
		clone[key] = value
	}
	return clone
}
