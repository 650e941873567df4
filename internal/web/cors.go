package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const wildcardOrigin = "*"

var (
	errWildcardMixed       = errors.New("cors: wildcard origin cannot be combined with explicit origins")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// corsMethods lists the methods the auth and role routes are mounted with.
var corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// ConfigureCORS lets browser clients on allowedOrigins call the API. Sessions are bearer tokens
// in the Authorization header, never cookies, so credentials mode stays off and a lone "*"
// opens the API to any origin without exposing ambient credentials.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, allowAll, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowMethods:     corsMethods,
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if allowAll {
		logger.Warn("cors open to all origins",
			zap.String("code", "cors.origin.wildcard"))
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config), nil
}

// sanitizeOrigins normalizes origins to scheme://host and reports whether the wildcard was
// requested. The wildcard must be the only entry.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, bool, error) {
	trimmed := make([]string, 0, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		value := strings.TrimSpace(origin)
		switch value {
		case "":
			continue
		case wildcardOrigin:
			wildcard = true
			continue
		}
		trimmed = append(trimmed, value)
	}
	if wildcard {
		if len(trimmed) > 0 {
			return nil, false, errWildcardMixed
		}
		return nil, true, nil
	}
	if len(trimmed) == 0 {
		return nil, false, errEmptyAllowedOrigins
	}

	seen := make(map[string]struct{}, len(trimmed))
	sanitized := make([]string, 0, len(trimmed))
	for _, origin := range trimmed {
		normalized, hostname, err := normalizeOrigin(origin)
		if err != nil {
			return nil, false, err
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		if strings.HasPrefix(normalized, "http://") && !isDevelopmentHost(hostname) {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized))
		}
		seen[normalized] = struct{}{}
		sanitized = append(sanitized, normalized)
	}
	sort.Strings(sanitized)
	return sanitized, false, nil
}

func normalizeOrigin(origin string) (string, string, error) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %s", errInvalidOrigin, origin)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", "", fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, origin)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", "", fmt.Errorf("%w: %s contains query or fragment", errInvalidOrigin, origin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", "", fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, origin)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), parsed.Hostname(), nil
}

func isDevelopmentHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
