package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	if a := NewAuditor(nil, true); a.logger == nil {
		t.Error("NewAuditor(nil, ...) should fall back to the default logger")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			auditor := NewAuditor(logger, tt.enabled)

			auditor.LogEvent(Event{
				Type:      "test_event",
				UserID:    "user-123",
				ClientID:  "client-456",
				IPAddress: "192.168.1.1",
				Details:   map[string]any{"key": "value"},
			})

			if hasLog := buf.Len() > 0; hasLog != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", hasLog, tt.wantLog)
			}
		})
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var a *Auditor
	a.OnEvent(func(string) {})
	a.LogEvent(Event{Type: "x"})
	a.LogTokenReuse("family")
}

func TestAuditor_OnEvent(t *testing.T) {
	var seen []string
	auditor := NewAuditor(slog.New(slog.DiscardHandler), true)
	auditor.OnEvent(func(eventType string) { seen = append(seen, eventType) })

	auditor.LogLoginStarted("1_alice")
	auditor.LogLoginSucceeded("1_alice")

	if len(seen) != 2 || seen[0] != EventLoginStarted || seen[1] != EventLoginSucceeded {
		t.Errorf("OnEvent saw %v", seen)
	}

	seen = nil
	disabled := NewAuditor(slog.New(slog.DiscardHandler), false)
	disabled.OnEvent(func(eventType string) { seen = append(seen, eventType) })
	disabled.LogLoginStarted("1_alice")
	if len(seen) != 0 {
		t.Errorf("disabled auditor reported %v", seen)
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogLoginSucceeded("alice_user")

	out := buf.String()
	if strings.Contains(out, "alice_user") {
		t.Errorf("user id must not appear in clear text: %s", out)
	}
	if !strings.Contains(out, hashForLogging("alice_user")) {
		t.Errorf("expected hashed user id in output: %s", out)
	}
}

func TestAuditor_HelperEvents(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		eventType string
	}{
		{"login succeeded", func(a *Auditor) { a.LogLoginSucceeded("u") }, EventLoginSucceeded},
		{"login failed", func(a *Auditor) { a.LogLoginFailed("u", "bad ke3") }, EventLoginFailed},
		{"password changed", func(a *Auditor) { a.LogPasswordChanged("u") }, EventPasswordChanged},
		{"token issued", func(a *Auditor) { a.LogTokenIssued("u", "c", "openid") }, EventTokenIssued},
		{"token refreshed", func(a *Auditor) { a.LogTokenRefreshed("u", true) }, EventTokenRefreshed},
		{"token reuse", func(a *Auditor) { a.LogTokenReuse("fam") }, EventRefreshTokenReuseDetected},
		{"family revoked", func(a *Auditor) { a.LogFamilyRevoked("fam", "expired") }, EventTokenFamilyRevoked},
		{"user tokens revoked", func(a *Auditor) { a.LogUserTokensRevoked("u", "password_changed") }, EventUserTokensRevoked},
		{"auth failure", func(a *Auditor) { a.LogAuthFailure("u", "c", "10.0.0.1", "invalid_grant") }, EventAuthFailure},
		{"invalid pkce", func(a *Auditor) { a.LogInvalidPKCE("u", "c") }, EventInvalidPKCE},
		{"rate limit", func(a *Auditor) { a.LogRateLimitExceeded("10.0.0.1", "/oauth/token/") }, EventRateLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

			tt.log(auditor)

			if !strings.Contains(buf.String(), "event_type="+tt.eventType) {
				t.Errorf("expected event_type=%s in %q", tt.eventType, buf.String())
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	h := hashForLogging("sensitive")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != hashForLogging("sensitive") {
		t.Error("hash must be deterministic")
	}
}
