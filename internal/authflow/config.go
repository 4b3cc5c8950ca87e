package authflow

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Loongphy/yogu-chat-app/internal/loopback"
)

const (
	// DefaultConsentURL is the remote page that asks the user to approve the desktop sign-in.
	DefaultConsentURL = "https://yogu.pro/auth/login/native_app"
	// PortQueryParam carries the callback listener's port on the consent URL.
	PortQueryParam = "native_app_port"
	// DefaultPreemptGrace bounds how long a new sign-in waits for the previous listener to let go.
	DefaultPreemptGrace = 100 * time.Millisecond
)

// Config configures the sign-in flow.
type Config struct {
	ConsentURL      string
	BindAddress     string
	PreemptGrace    time.Duration
	Timeout         time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DefaultConfig returns the production endpoint with no overall timeout.
func DefaultConfig() Config {
	return Config{
		ConsentURL:      DefaultConsentURL,
		BindAddress:     loopback.DefaultBindAddress,
		PreemptGrace:    DefaultPreemptGrace,
		ShutdownTimeout: loopback.DefaultShutdownTimeout,
	}
}

// ParseConsentURL validates the consent endpoint. Plain http is accepted only for loopback hosts.
func ParseConsentURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidConsentURL, raw)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
	case "http":
		if !isLoopbackHost(parsed.Hostname()) {
			return nil, fmt.Errorf("%w: %q must use https", ErrInvalidConsentURL, raw)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidConsentURL, raw)
	}
	if parsed.Fragment != "" {
		return nil, fmt.Errorf("%w: %q carries a fragment", ErrInvalidConsentURL, raw)
	}
	return parsed, nil
}

// BuildConsentURL sets the listener port on endpoint, keeping any query it already has.
func BuildConsentURL(endpoint *url.URL, port int) string {
	consent := *endpoint
	query := consent.Query()
	query.Set(PortQueryParam, strconv.Itoa(port))
	consent.RawQuery = query.Encode()
	return consent.String()
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
