package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	oauth "github.com/dsav-dodeka/dodeka-oauth"
	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/server"
)

const envPrefix = "DODEKA"

// Store backends
const (
	backendMemory   = "memory"
	backendValkey   = "valkey"
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
)

// settings is everything the process reads from the config file and the
// environment. Keys are snake_case; DODEKA_KV_ADDRESS sets kv.address.
type settings struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	LogFormat       string        `mapstructure:"log_format" validate:"oneof=json text"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	DeploymentSecret string `mapstructure:"deployment_secret" validate:"required"`

	Issuer            string   `mapstructure:"issuer"`
	FrontendClientID  string   `mapstructure:"frontend_client_id"`
	BackendClientID   string   `mapstructure:"backend_client_id"`
	ValidRedirects    []string `mapstructure:"valid_redirects"`
	CredentialsURL    string   `mapstructure:"credentials_url"`
	AccessTokenExp    int64    `mapstructure:"access_token_exp"`
	IDTokenExp        int64    `mapstructure:"id_token_exp"`
	RefreshTokenExp   int64    `mapstructure:"refresh_token_exp"`
	GracePeriod       int64    `mapstructure:"grace_period"`
	AllowInsecureHTTP bool     `mapstructure:"allow_insecure_http"`

	KV struct {
		Backend      string `mapstructure:"backend" validate:"oneof=valkey memory"`
		Address      string `mapstructure:"address" validate:"required_if=Backend valkey"`
		Password     string `mapstructure:"password"`
		DB           int    `mapstructure:"db" validate:"gte=0"`
		KeyPrefix    string `mapstructure:"key_prefix"`
		DisableCache bool   `mapstructure:"disable_cache"`
	} `mapstructure:"kv"`

	DB struct {
		Backend string `mapstructure:"backend" validate:"oneof=postgres sqlite memory"`
		DSN     string `mapstructure:"dsn" validate:"required_if=Backend postgres"`
		Path    string `mapstructure:"path" validate:"required_if=Backend sqlite"`
	} `mapstructure:"db"`

	RateLimit struct {
		Rate              int  `mapstructure:"rate"`
		Burst             int  `mapstructure:"burst" validate:"gte=0"`
		TrustProxy        bool `mapstructure:"trust_proxy"`
		TrustedProxyCount int  `mapstructure:"trusted_proxy_count" validate:"gte=0"`
	} `mapstructure:"rate_limit"`

	EnableRegistration bool `mapstructure:"enable_registration"`
	AuditLogging       bool `mapstructure:"audit_logging"`

	Telemetry struct {
		Enabled         bool   `mapstructure:"enabled"`
		MetricsExporter string `mapstructure:"metrics_exporter" validate:"oneof=none prometheus"`
		TracesExporter  string `mapstructure:"traces_exporter" validate:"oneof=none otlp"`
		OTLPEndpoint    string `mapstructure:"otlp_endpoint" validate:"required_if=TracesExporter otlp"`
		OTLPInsecure    bool   `mapstructure:"otlp_insecure"`
		LogClientIPs    bool   `mapstructure:"log_client_ips"`
	} `mapstructure:"telemetry"`
}

// setDefaults registers every key so that AutomaticEnv can find it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":4243")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("deployment_secret", "")

	v.SetDefault("issuer", "")
	v.SetDefault("frontend_client_id", "dodekaweb_client")
	v.SetDefault("backend_client_id", "dodekabackend_client")
	v.SetDefault("valid_redirects", []string{})
	v.SetDefault("credentials_url", "")
	v.SetDefault("access_token_exp", server.DefaultAccessTokenExp)
	v.SetDefault("id_token_exp", server.DefaultIDTokenExp)
	v.SetDefault("refresh_token_exp", server.DefaultRefreshTokenExp)
	v.SetDefault("grace_period", server.DefaultGracePeriod)
	v.SetDefault("allow_insecure_http", false)

	v.SetDefault("kv.backend", backendValkey)
	v.SetDefault("kv.address", "localhost:6379")
	v.SetDefault("kv.password", "")
	v.SetDefault("kv.db", 0)
	v.SetDefault("kv.key_prefix", "")
	v.SetDefault("kv.disable_cache", false)

	v.SetDefault("db.backend", backendPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.path", "")

	v.SetDefault("rate_limit.rate", oauth.DefaultRateLimit)
	v.SetDefault("rate_limit.burst", oauth.DefaultRateBurst)
	v.SetDefault("rate_limit.trust_proxy", false)
	v.SetDefault("rate_limit.trusted_proxy_count", 0)

	v.SetDefault("enable_registration", false)
	v.SetDefault("audit_logging", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_exporter", instrumentation.ExporterNone)
	v.SetDefault("telemetry.traces_exporter", instrumentation.ExporterNone)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.log_client_ips", false)
}

// newViper returns a viper instance reading DODEKA_* variables and, when
// configFile is set, that file.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func loadSettings(v *viper.Viper) (*settings, error) {
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

func (s *settings) serverConfig() *server.Config {
	return &server.Config{
		Issuer:            s.Issuer,
		FrontendClientID:  s.FrontendClientID,
		BackendClientID:   s.BackendClientID,
		ValidRedirects:    s.ValidRedirects,
		CredentialsURL:    s.CredentialsURL,
		AccessTokenExp:    s.AccessTokenExp,
		IDTokenExp:        s.IDTokenExp,
		RefreshTokenExp:   s.RefreshTokenExp,
		GracePeriod:       s.GracePeriod,
		AllowInsecureHTTP: s.AllowInsecureHTTP,
	}
}

func (s *settings) handlerConfig(logger *slog.Logger) *oauth.Config {
	return &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:              s.RateLimit.Rate,
			Burst:             s.RateLimit.Burst,
			TrustProxy:        s.RateLimit.TrustProxy,
			TrustedProxyCount: s.RateLimit.TrustedProxyCount,
		},
		EnableRegistration: s.EnableRegistration,
		Logger:             logger,
	}
}

func (s *settings) instrumentationConfig(version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceVersion:  version,
		Enabled:         s.Telemetry.Enabled,
		MetricsExporter: s.Telemetry.MetricsExporter,
		TracesExporter:  s.Telemetry.TracesExporter,
		OTLPEndpoint:    s.Telemetry.OTLPEndpoint,
		OTLPInsecure:    s.Telemetry.OTLPInsecure,
		LogClientIPs:    s.Telemetry.LogClientIPs,
	}
}

// newLogger builds the process logger.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
