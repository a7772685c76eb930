package oauth

import (
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero value", config: Config{}},
		{name: "rate limit disabled", config: Config{RateLimit: RateLimitConfig{Rate: -1}}},
		{name: "negative burst", config: Config{RateLimit: RateLimitConfig{Burst: -1}}, wantErr: true},
		{name: "negative proxy count", config: Config{RateLimit: RateLimitConfig{TrustedProxyCount: -1}}, wantErr: true},
		{name: "negative body size", config: Config{MaxBodyBytes: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	config := &Config{}
	cfg := config.withDefaults()

	if cfg.RateLimit.Rate != DefaultRateLimit {
		t.Errorf("Rate = %d, want %d", cfg.RateLimit.Rate, DefaultRateLimit)
	}
	if cfg.RateLimit.Burst != DefaultRateBurst {
		t.Errorf("Burst = %d, want %d", cfg.RateLimit.Burst, DefaultRateBurst)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, DefaultMaxBodyBytes)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
	if !cfg.rateLimited() {
		t.Error("rate limiting should be on by default")
	}

	// the caller's config is left alone
	if config.RateLimit.Rate != 0 || config.Logger != nil {
		t.Error("withDefaults() modified its receiver")
	}

	disabled := (&Config{RateLimit: RateLimitConfig{Rate: -1}}).withDefaults()
	if disabled.rateLimited() {
		t.Error("a negative rate should disable limiting")
	}
}
