package oauth

import (
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// HTTP layer defaults
const (
	DefaultRateLimit     = 10
	DefaultRateBurst     = 20
	DefaultMaxBodyBytes  = 64 << 10
	DefaultRetryAfterSec = 60
)

// Config holds the HTTP handler configuration. The authorization logic
// itself is configured through server.Config.
type Config struct {
	// Rate limiting of the login and token endpoints
	RateLimit RateLimitConfig

	// EnableRegistration mounts /register/start/ and /register/finish/.
	// Off by default: passwords are normally set with the set-password command.
	EnableRegistration bool

	// MaxBodyBytes caps JSON and form bodies. Default: 64 KiB
	MaxBodyBytes int64 `validate:"gte=0"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero uses the default,
	// a negative value disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int `validate:"gte=0"`

	// MaxEntries bounds the number of tracked IPs. Zero keeps the limiter default.
	MaxEntries int `validate:"gte=0"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	TrustedProxyCount int `validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.RateLimit.Rate == 0 {
		cfg.RateLimit.Rate = DefaultRateLimit
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = DefaultRateBurst
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid handler config: %w", err)
	}
	return nil
}

// rateLimited reports whether per-IP limiting is on.
func (c *Config) rateLimited() bool {
	return c.RateLimit.Rate > 0
}
