// Package tokeninspect reads the claims of a JWT-shaped access token without verifying its
// signature. The desktop client holds no verification key; results are advisory only.
package tokeninspect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns a Clock backed by time.Now in UTC.
func SystemClock() Clock {
	return systemClock{}
}

var (
	ErrMissingToken = errors.New("tokeninspect.missing_token")
	ErrNotJWT       = errors.New("tokeninspect.not_jwt")
)

// Claims are the registered claims of an access token plus the optional user_id claim.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Summary is the advisory view of an access token.
type Summary struct {
	Subject   string
	UserID    string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Inspect decodes accessToken's payload. Tokens that are not three-segment JWTs yield ErrNotJWT.
func Inspect(accessToken string) (Summary, error) {
	trimmed := strings.TrimSpace(accessToken)
	if trimmed == "" {
		return Summary{}, fmt.Errorf("tokeninspect.inspect: %w", ErrMissingToken)
	}
	if strings.Count(trimmed, ".") != 2 {
		return Summary{}, fmt.Errorf("tokeninspect.inspect: %w", ErrNotJWT)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(trimmed, claims); err != nil {
		return Summary{}, fmt.Errorf("tokeninspect.inspect: %w: %w", ErrNotJWT, err)
	}
	summary := Summary{
		Subject: claims.Subject,
		UserID:  claims.UserID,
		Issuer:  claims.Issuer,
	}
	if claims.IssuedAt != nil {
		summary.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		summary.ExpiresAt = claims.ExpiresAt.Time
	}
	return summary, nil
}

// ExpiresIn returns the remaining lifetime, zero when the token carries no expiry, and a
// negative value once it has expired.
func (summary Summary) ExpiresIn(clock Clock) time.Duration {
	if summary.ExpiresAt.IsZero() {
		return 0
	}
	if clock == nil {
		clock = systemClock{}
	}
	return summary.ExpiresAt.Sub(clock.Now())
}

// Expired reports whether the token carries an expiry that has passed.
func (summary Summary) Expired(clock Clock) bool {
	return !summary.ExpiresAt.IsZero() && summary.ExpiresIn(clock) <= 0
}

// Identity returns the user identifier the token was issued for, preferring the user_id claim.
func (summary Summary) Identity() string {
	if summary.UserID != "" {
		return summary.UserID
	}
	return summary.Subject
}
