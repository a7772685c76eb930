package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/dsav-dodeka/dodeka-oauth/internal/util"
)

// Token lifetimes and the refresh grace period, in seconds.
const (
	DefaultAccessTokenExp  int64 = 3600
	DefaultIDTokenExp      int64 = 36000
	DefaultRefreshTokenExp int64 = 2592000
	DefaultGracePeriod     int64 = 180
)

// Config holds the authorization server settings
type Config struct {
	// Issuer is the iss claim of every token (base URL of this server)
	Issuer string `validate:"required,http_url"`

	// FrontendClientID is the only client allowed to authorize and exchange tokens
	FrontendClientID string `validate:"required"`

	// BackendClientID is added to the audience of access tokens
	BackendClientID string `validate:"required"`

	// ValidRedirects is the allow-list of redirect URIs of the frontend client
	ValidRedirects []string `validate:"required,min=1,dive,url"`

	// CredentialsURL is the login page users are sent to with ?flow_id=...
	CredentialsURL string `validate:"required,url"`

	// AccessTokenExp is the access token lifetime. Default: 3600
	AccessTokenExp int64 `validate:"gt=0"`

	// IDTokenExp is the ID token lifetime, also reported as expires_in. Default: 36000
	IDTokenExp int64 `validate:"gt=0"`

	// RefreshTokenExp is the fixed lifetime of a refresh token family. Default: 2592000
	RefreshTokenExp int64 `validate:"gt=0"`

	// GracePeriod is how long after exp a refresh token is still accepted. Default: 180
	GracePeriod int64 `validate:"gte=0"`

	// AllowInsecureHTTP permits an http issuer on a non-loopback host.
	// WARNING: tokens and OPAQUE messages travel in the clear.
	AllowInsecureHTTP bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// applyDefaults returns a copy of config with zero lifetimes and a zero
// grace period replaced by their defaults.
func applyDefaults(config *Config) *Config {
	c := *config
	c.ValidRedirects = slices.Clone(config.ValidRedirects)
	c.Issuer = util.NormalizeURL(c.Issuer)
	if c.AccessTokenExp == 0 {
		c.AccessTokenExp = DefaultAccessTokenExp
	}
	if c.IDTokenExp == 0 {
		c.IDTokenExp = DefaultIDTokenExp
	}
	if c.RefreshTokenExp == 0 {
		c.RefreshTokenExp = DefaultRefreshTokenExp
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return &c
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

// validateHTTPSEnforcement requires an https issuer except on loopback hosts.
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			if !config.AllowInsecureHTTP {
				logger.Warn("Running over HTTP on localhost",
					"issuer", config.Issuer,
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}
		if !config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got http://%s); set AllowInsecureHTTP=true to override", hostname)
		}
		logger.Error("Running over HTTP on a non-loopback host",
			"issuer", config.Issuer,
			"risk", "tokens and login messages are exposed to network sniffing")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

func isLocalhostHostname(hostname string) bool {
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
