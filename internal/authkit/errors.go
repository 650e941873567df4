package authkit

import "errors"

var (
	// ErrMalformedToken indicates the value is not a token at all.
	ErrMalformedToken = errors.New("token.malformed")
	// ErrBadSignature indicates the token parsed but its signature does not verify.
	ErrBadSignature = errors.New("token.bad_signature")
	// ErrInvalidIssuer indicates a correctly signed token minted by a different issuer.
	ErrInvalidIssuer = errors.New("token.invalid_issuer")
	// ErrTokenExpired indicates the current time is at or past the token expiry.
	ErrTokenExpired = errors.New("token.expired")
	// ErrTokenRevoked indicates the token was explicitly invalidated before expiry.
	ErrTokenRevoked = errors.New("token.revoked")
	// ErrWrongPurpose indicates a purpose-scoped token was presented for another use.
	ErrWrongPurpose = errors.New("token.wrong_purpose")
	// ErrEmptySubject indicates an attempt to encode a token without a subject.
	ErrEmptySubject = errors.New("token.empty_subject")
	// ErrInvalidTTL indicates a token lifetime shorter than one second.
	ErrInvalidTTL = errors.New("token.invalid_ttl")
	// ErrMissingSigningKey indicates the codec was built without a signing key.
	ErrMissingSigningKey = errors.New("token.missing_signing_key")

	// ErrMissingCredentials indicates no bearer token was supplied.
	ErrMissingCredentials = errors.New("authenticator.missing_credentials")
	// ErrUnauthorized wraps every token validation failure surfaced by the authenticator.
	ErrUnauthorized = errors.New("authenticator.unauthorized")
	// ErrForbidden indicates an authenticated principal lacks the requested capability.
	ErrForbidden = errors.New("authenticator.forbidden")
	// ErrUnknownSubject indicates the token subject has no user record.
	ErrUnknownSubject = errors.New("authenticator.unknown_subject")
	// ErrInactiveSubject indicates the token subject is disabled.
	ErrInactiveSubject = errors.New("authenticator.inactive_subject")

	// ErrRevocationEmptyID indicates an empty token identifier was passed to a revocation store.
	ErrRevocationEmptyID = errors.New("revocation_store.empty_token_id")
)

var (
	// ErrUserNotFound indicates the user-record collaborator has no matching user.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUserExists indicates a username or email is already registered.
	ErrUserExists = errors.New("user_store.exists")
)

var (
	// ErrInvalidCredentials indicates a username/password pair did not match.
	ErrInvalidCredentials = errors.New("password.invalid_credentials")
	// ErrWeakPassword indicates the password fails the strength policy.
	ErrWeakPassword = errors.New("password.weak")
	// ErrPasswordReused indicates the password matches the current or a recent one.
	ErrPasswordReused = errors.New("password.reused")
	// ErrResetRateLimited indicates too many reset requests for one email.
	ErrResetRateLimited = errors.New("password.reset_rate_limited")
)
