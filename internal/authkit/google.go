package authkit

import (
	"context"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's public keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

type googleIdentity struct {
	Subject       string
	Email         string
	DisplayName   string
	Nonce         string
	EmailVerified bool
}

func googleIdentityFromPayload(payload *idtoken.Payload) (googleIdentity, bool) {
	if payload == nil {
		return googleIdentity{}, false
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return googleIdentity{}, false
	}
	identity := googleIdentity{}
	identity.Subject, _ = payload.Claims["sub"].(string)
	identity.Email, _ = payload.Claims["email"].(string)
	identity.EmailVerified, _ = payload.Claims["email_verified"].(bool)
	identity.DisplayName, _ = payload.Claims["name"].(string)
	identity.Nonce, _ = payload.Claims["nonce"].(string)
	if identity.Subject == "" || identity.Email == "" || !identity.EmailVerified {
		return googleIdentity{}, false
	}
	return identity, true
}
