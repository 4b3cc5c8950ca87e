package loopback

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("loopback.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("loopback.cors.no_origins")
	errInvalidOrigin       = errors.New("loopback.cors.invalid_origin")
)

// callbackCORS lets the consent page deliver the callback with fetch() instead of a
// top-level redirect. Only GET is allowed and no credentials are exchanged.
func callbackCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	origins, err := NormalizeOrigins(allowedOrigins)
	if err != nil {
		return nil, err
	}
	for _, origin := range origins {
		if strings.HasPrefix(origin, "http://") {
			logger.Warn("plain-http origin allowed to call the sign-in listener",
				zap.String("code", "loopback.cors.insecure_origin"),
				zap.String("origin", origin))
		}
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           10 * time.Minute,
	}), nil
}

// NormalizeOrigins reduces each entry to scheme://host, dropping blanks and duplicates.
// Wildcards, paths, queries and non-HTTP schemes are rejected.
func NormalizeOrigins(allowed []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowed))
	normalized := make([]string, 0, len(allowed))
	for _, entry := range allowed {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		parsed, parseErr := url.Parse(trimmed)
		if parseErr != nil || parsed.Host == "" {
			return nil, fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
		}
		if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
			return nil, fmt.Errorf("%w: %s is not a bare origin", errInvalidOrigin, trimmed)
		}
		scheme := strings.ToLower(parsed.Scheme)
		if scheme != "https" && scheme != "http" {
			return nil, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, trimmed)
		}
		origin := scheme + "://" + strings.ToLower(parsed.Host)
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		normalized = append(normalized, origin)
	}
	if len(normalized) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return normalized, nil
}
