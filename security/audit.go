package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	onEvent func(eventType string)
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// OnEvent registers fn to be called with the type of every logged event.
// It is used to count events in metrics.
func (a *Auditor) OnEvent(fn func(eventType string)) {
	if a != nil {
		a.onEvent = fn
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()
	if a.onEvent != nil {
		a.onEvent(event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLoginStarted logs an answered first login message. For unknown
// accounts userID is the decoy record.
func (a *Auditor) LogLoginStarted(userID string) {
	a.LogEvent(Event{
		Type:   EventLoginStarted,
		UserID: userID,
	})
}

// LogLoginSucceeded logs a finished OPAQUE login
func (a *Auditor) LogLoginSucceeded(userID string) {
	a.LogEvent(Event{
		Type:   EventLoginSucceeded,
		UserID: userID,
	})
}

// LogLoginFailed logs an OPAQUE login that could not be finished
func (a *Auditor) LogLoginFailed(userID, reason string) {
	a.LogEvent(Event{
		Type:   EventLoginFailed,
		UserID: userID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogPasswordChanged logs a replaced password file
func (a *Auditor) LogPasswordChanged(userID string) {
	a.LogEvent(Event{
		Type:   EventPasswordChanged,
		UserID: userID,
	})
}

// LogTokenIssued logs when a new token set is issued
func (a *Auditor) LogTokenIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID string, usedOldKey bool) {
	a.LogEvent(Event{
		Type:   EventTokenRefreshed,
		UserID: userID,
		Details: map[string]any{
			"old_key": usedOldKey,
		},
	})
}

// LogTokenReuse logs a replayed refresh token. The family has already been revoked.
func (a *Auditor) LogTokenReuse(familyID string) {
	a.LogEvent(Event{
		Type: EventRefreshTokenReuseDetected,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": hashForLogging(familyID),
			"action":    "family_revoked",
		},
	})
}

// LogFamilyRevoked logs a deleted refresh token family
func (a *Auditor) LogFamilyRevoked(familyID, reason string) {
	a.LogEvent(Event{
		Type: EventTokenFamilyRevoked,
		Details: map[string]any{
			"family_id": hashForLogging(familyID),
			"reason":    reason,
		},
	})
}

// LogUserTokensRevoked logs the deletion of every refresh token of a user
func (a *Auditor) LogUserTokensRevoked(userID, reason string) {
	a.LogEvent(Event{
		Type:   EventUserTokensRevoked,
		UserID: userID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthFailure logs a rejected token request
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogInvalidPKCE logs a failed PKCE verification
func (a *Auditor) LogInvalidPKCE(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventInvalidPKCE,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
