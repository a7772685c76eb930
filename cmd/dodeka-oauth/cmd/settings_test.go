package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsav-dodeka/dodeka-oauth/server"
)

func TestLoadSettings_Defaults(t *testing.T) {
	t.Setenv("DODEKA_DEPLOYMENT_SECRET", "s3cret")
	t.Setenv("DODEKA_DB_DSN", "postgres://auth@localhost/auth")

	v, err := newViper("")
	require.NoError(t, err)
	s, err := loadSettings(v)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", s.DeploymentSecret)
	assert.Equal(t, ":4243", s.Addr)
	assert.Equal(t, 10*time.Second, s.ShutdownTimeout)
	assert.Equal(t, backendValkey, s.KV.Backend)
	assert.Equal(t, backendPostgres, s.DB.Backend)
	assert.Equal(t, "postgres://auth@localhost/auth", s.DB.DSN)
	assert.Equal(t, server.DefaultGracePeriod, s.GracePeriod)
	assert.True(t, s.AuditLogging)
}

func TestLoadSettings_Env(t *testing.T) {
	t.Setenv("DODEKA_DEPLOYMENT_SECRET", "s3cret")
	t.Setenv("DODEKA_KV_BACKEND", "memory")
	t.Setenv("DODEKA_DB_BACKEND", "sqlite")
	t.Setenv("DODEKA_DB_PATH", "/tmp/auth.db")
	t.Setenv("DODEKA_RATE_LIMIT_RATE", "-1")
	t.Setenv("DODEKA_ACCESS_TOKEN_EXP", "600")

	v, err := newViper("")
	require.NoError(t, err)
	s, err := loadSettings(v)
	require.NoError(t, err)

	assert.Equal(t, backendMemory, s.KV.Backend)
	assert.Equal(t, backendSQLite, s.DB.Backend)
	assert.Equal(t, "/tmp/auth.db", s.DB.Path)
	assert.Equal(t, -1, s.RateLimit.Rate)
	assert.Equal(t, int64(600), s.serverConfig().AccessTokenExp)
	assert.Equal(t, -1, s.handlerConfig(nil).RateLimit.Rate)
}

func TestLoadSettings_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.yaml")
	content := `
deployment_secret: from-file
issuer: https://auth.example.com
valid_redirects:
  - https://app.example.com/auth/callback
  - https://app.example.com/other
kv:
  backend: memory
db:
  backend: memory
telemetry:
  enabled: true
  metrics_exporter: prometheus
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v, err := newViper(path)
	require.NoError(t, err)
	s, err := loadSettings(v)
	require.NoError(t, err)

	assert.Equal(t, "from-file", s.DeploymentSecret)
	cfg := s.serverConfig()
	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, []string{"https://app.example.com/auth/callback", "https://app.example.com/other"}, cfg.ValidRedirects)
	assert.Equal(t, "dodekaweb_client", cfg.FrontendClientID)

	ic := s.instrumentationConfig("1.2.3")
	assert.True(t, ic.Enabled)
	assert.Equal(t, "prometheus", ic.MetricsExporter)
	assert.Equal(t, "1.2.3", ic.ServiceVersion)
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing secret",
			env:  map[string]string{},
		},
		{
			name: "unknown kv backend",
			env:  map[string]string{"DODEKA_KV_BACKEND": "etcd"},
		},
		{
			name: "postgres without dsn",
			env:  map[string]string{"DODEKA_DB_DSN": ""},
		},
		{
			name: "sqlite without path",
			env:  map[string]string{"DODEKA_DB_BACKEND": "sqlite"},
		},
		{
			name: "otlp without endpoint",
			env:  map[string]string{"DODEKA_TELEMETRY_TRACES_EXPORTER": "otlp"},
		},
		{
			name: "bad log format",
			env:  map[string]string{"DODEKA_LOG_FORMAT": "xml"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DODEKA_DB_DSN", "postgres://auth@localhost/auth")
			if tt.name != "missing secret" {
				t.Setenv("DODEKA_DEPLOYMENT_SECRET", "s3cret")
			}
			for k, val := range tt.env {
				t.Setenv(k, val)
			}

			v, err := newViper("")
			require.NoError(t, err)
			_, err = loadSettings(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid settings")
		})
	}
}

func TestNewViper_MissingFile(t *testing.T) {
	_, err := newViper(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)

	buf.Reset()
	logger, err = newLogger(&buf, "text", "debug")
	require.NoError(t, err)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
	logger.Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = newLogger(&buf, "xml", "info")
	require.Error(t, err)
	_, err = newLogger(&buf, "json", "loud")
	require.Error(t, err)
}

func TestReadPassword(t *testing.T) {
	pw, err := readPassword(strings.NewReader("hunter2\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	pw, err = readPassword(strings.NewReader("no newline"))
	require.NoError(t, err)
	assert.Equal(t, "no newline", pw)

	pw, err = readPassword(strings.NewReader("windows\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "windows", pw)

	_, err = readPassword(strings.NewReader("\n"))
	require.Error(t, err)
}
