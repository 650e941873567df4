package authkit

import "time"

// ServerConfig configures signing, token lifetimes, and password policy.
type ServerConfig struct {
	GoogleWebClientID string
	JWTSigningKey     []byte
	JWTIssuer         string
	SessionTTL        time.Duration
	PasswordResetTTL  time.Duration
	BcryptCost        int
	ResetMaxAttempts  int
	ResetWindow       time.Duration
	PasswordHistory   int
	ResetURLBase      string
	AllowInsecureHTTP bool
}
