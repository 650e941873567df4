package authkit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ResetNotifier delivers a password reset link to the account owner.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, record UserRecord, resetURL string) error
}

// LogResetNotifier records reset requests without exposing the link.
type LogResetNotifier struct {
	Logger *zap.Logger
}

// NotifyPasswordReset logs the request.
func (notifier LogResetNotifier) NotifyPasswordReset(ctx context.Context, record UserRecord, resetURL string) error {
	logger := notifier.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("password reset requested",
		zap.String("code", "auth.password.reset_requested"),
		zap.String("subject_id", record.ID))
	return nil
}

// AuthRoutes bundles the collaborators behind the /auth endpoints.
type AuthRoutes struct {
	Config          ServerConfig
	Tokens          *TokenService
	Authenticator   *RequestAuthenticator
	Passwords       *PasswordManager
	Users           UserStore
	Nonces          NonceStore
	GoogleValidator GoogleTokenValidator
	ResetNotifier   ResetNotifier
	Logger          *zap.Logger
}

type tokenResponse struct {
	Token           string    `json:"token"`
	UserID          string    `json:"user_id"`
	ExpiresAt       time.Time `json:"expires_at"`
	ExpiresIn       int64     `json:"expires_in"`
	PasswordExpired bool      `json:"password_expired,omitempty"`
}

// MountAuthRoutes registers the /auth endpoints. Google sign-in is mounted only when a
// validator, a nonce store, and a client ID are all configured.
func MountAuthRoutes(router gin.IRouter, routes AuthRoutes) {
	if routes.Logger == nil {
		routes.Logger = zap.NewNop()
	}
	if routes.ResetNotifier == nil {
		routes.ResetNotifier = LogResetNotifier{Logger: routes.Logger}
	}

	router.POST("/auth/register", routes.handleRegister)
	router.POST("/auth/login", routes.handleLogin)
	router.POST("/auth/refresh", routes.handleRefresh)
	router.POST("/auth/logout", routes.handleLogout)
	router.POST("/auth/verify", routes.handleVerify)
	router.POST("/auth/password/forgot", routes.handleForgotPassword)
	router.POST("/auth/password/reset", routes.handleResetPassword)
	router.POST("/auth/password/change", routes.Authenticator.RequireBearer(), routes.handleChangePassword)

	if routes.GoogleValidator != nil && routes.Nonces != nil && routes.Config.GoogleWebClientID != "" {
		router.POST("/auth/nonce", routes.handleNonce)
		router.POST("/auth/google", routes.handleGoogle)
	}
}

func (routes AuthRoutes) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	record, err := routes.Passwords.Register(contextGin, strings.TrimSpace(inbound.Username), inbound.Email, inbound.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrWeakPassword):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "weak_password"})
		case errors.Is(err, ErrUserExists):
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "user_exists"})
		default:
			routes.Logger.Error("register failed", zap.String("code", "auth.register.error"), zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}
	routes.respondWithSession(contextGin, http.StatusCreated, record)
}

func (routes AuthRoutes) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_credentials"})
		return
	}
	record, err := routes.Passwords.Authenticate(contextGin, strings.TrimSpace(inbound.Username), inbound.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInactiveSubject):
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		default:
			routes.Logger.Error("login failed", zap.String("code", "auth.login.error"), zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}
	routes.respondWithSession(contextGin, http.StatusOK, record)
}

func (routes AuthRoutes) handleRefresh(contextGin *gin.Context) {
	token := routes.tokenFromRequest(contextGin)
	if token == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credentials"})
		return
	}
	refreshed, payload, err := routes.Tokens.Refresh(contextGin, token)
	if err != nil {
		routes.abortWithTokenError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, tokenResponse{
		Token:     refreshed,
		UserID:    payload.SubjectID,
		ExpiresAt: payload.ExpiresAt,
		ExpiresIn: int64(payload.Lifetime() / time.Second),
	})
}

func (routes AuthRoutes) handleLogout(contextGin *gin.Context) {
	token, err := ExtractBearerToken(contextGin.GetHeader("Authorization"))
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credentials"})
		return
	}
	if revokeErr := routes.Tokens.Revoke(contextGin, token); revokeErr != nil {
		routes.abortWithTokenError(contextGin, revokeErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes AuthRoutes) handleVerify(contextGin *gin.Context) {
	token := routes.tokenFromRequest(contextGin)
	if token == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_token"})
		return
	}
	principal, err := routes.Tokens.Validate(contextGin, token)
	if err != nil {
		routes.abortWithTokenError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"valid":      true,
		"user_id":    principal.SubjectID,
		"expires_at": principal.ExpiresAt,
	})
}

func (routes AuthRoutes) handleForgotPassword(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	token, payload, err := routes.Passwords.IssueResetToken(contextGin, inbound.Email)
	if err != nil {
		switch {
		case errors.Is(err, ErrResetRateLimited):
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		case errors.Is(err, ErrUserNotFound):
			// Unknown addresses get the same answer as known ones.
			contextGin.Status(http.StatusAccepted)
		default:
			routes.Logger.Error("reset token issue failed", zap.String("code", "auth.password.forgot_error"), zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}
	record, findErr := routes.Users.FindUser(contextGin, payload.SubjectID)
	if findErr != nil {
		routes.Logger.Error("reset user lookup failed", zap.String("code", "auth.password.forgot_error"), zap.Error(findErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if notifyErr := routes.ResetNotifier.NotifyPasswordReset(contextGin, record, buildResetURL(routes.Config.ResetURLBase, token)); notifyErr != nil {
		routes.Logger.Error("reset notification failed", zap.String("code", "auth.password.notify_error"), zap.Error(notifyErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.Status(http.StatusAccepted)
}

func (routes AuthRoutes) handleResetPassword(contextGin *gin.Context) {
	var inbound struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Token) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if err := routes.Passwords.ResetPassword(contextGin, inbound.Token, inbound.Password); err != nil {
		routes.abortWithPasswordError(contextGin, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes AuthRoutes) handleChangePassword(contextGin *gin.Context) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credentials"})
		return
	}
	var inbound struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.CurrentPassword == "" || inbound.NewPassword == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if err := routes.Passwords.ChangePassword(contextGin, principal.SubjectID, inbound.CurrentPassword, inbound.NewPassword); err != nil {
		routes.abortWithPasswordError(contextGin, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes AuthRoutes) handleNonce(contextGin *gin.Context) {
	nonce, err := routes.Nonces.Issue(contextGin)
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (routes AuthRoutes) handleGoogle(contextGin *gin.Context) {
	var inbound struct {
		GoogleIDToken string `json:"google_id_token"`
		Nonce         string `json:"nonce"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" || strings.TrimSpace(inbound.Nonce) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if !routes.Config.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}
	if err := routes.Nonces.Consume(contextGin, inbound.Nonce); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
		return
	}
	payload, err := routes.GoogleValidator.Validate(contextGin, inbound.GoogleIDToken, routes.Config.GoogleWebClientID)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
		return
	}
	identity, ok := googleIdentityFromPayload(payload)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
		return
	}
	if identity.Nonce != inbound.Nonce {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce_mismatch"})
		return
	}
	record, upsertErr := routes.Users.UpsertGoogleUser(contextGin, identity.Subject, identity.Email, identity.DisplayName)
	if errors.Is(upsertErr, ErrUserExists) {
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "user_exists"})
		return
	}
	if upsertErr != nil {
		routes.Logger.Error("google user upsert failed", zap.String("code", "auth.google.upsert_error"), zap.Error(upsertErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if !record.Active {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "inactive_subject"})
		return
	}
	routes.respondWithSession(contextGin, http.StatusOK, record)
}

func (routes AuthRoutes) respondWithSession(contextGin *gin.Context, status int, record UserRecord) {
	token, payload, err := routes.Tokens.Issue(contextGin, record.ID, map[string]any{ClaimRoles: record.Roles}, routes.Config.SessionTTL)
	if err != nil {
		routes.Logger.Error("token issue failed", zap.String("code", "auth.token.issue_error"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(status, tokenResponse{
		Token:           token,
		UserID:          record.ID,
		ExpiresAt:       payload.ExpiresAt,
		ExpiresIn:       int64(payload.Lifetime() / time.Second),
		PasswordExpired: routes.Passwords.IsPasswordExpired(record.PasswordSetAt, DefaultMaxPasswordAge),
	})
}

func (routes AuthRoutes) tokenFromRequest(contextGin *gin.Context) string {
	var inbound struct {
		Token string `json:"token"`
	}
	if contextGin.Request.ContentLength != 0 {
		_ = contextGin.ShouldBindJSON(&inbound)
	}
	if token := strings.TrimSpace(inbound.Token); token != "" {
		return token
	}
	token, _ := ExtractBearerToken(contextGin.GetHeader("Authorization"))
	return token
}

func (routes AuthRoutes) abortWithTokenError(contextGin *gin.Context, err error) {
	status, code := StatusForError(err)
	if status == http.StatusInternalServerError {
		routes.Logger.Error("token operation failed", zap.String("code", "auth.token.error"), zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}

func (routes AuthRoutes) abortWithPasswordError(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWeakPassword):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "weak_password"})
	case errors.Is(err, ErrPasswordReused):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "password_reused"})
	case errors.Is(err, ErrInvalidCredentials):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, ErrUserNotFound):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_subject"})
	default:
		routes.abortWithTokenError(contextGin, err)
	}
}

func buildResetURL(base string, token string) string {
	if strings.TrimSpace(base) == "" {
		base = "/reset-password"
	}
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + "token=" + url.QueryEscape(token)
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
