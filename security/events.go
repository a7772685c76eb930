package security

// Event type constants for security audit logging.
const (
	// Login events

	// EventLoginStarted is logged when the first OPAQUE login message is answered
	EventLoginStarted = "login_started"

	// EventLoginSucceeded is logged when an OPAQUE login finishes with a session key
	EventLoginSucceeded = "login_succeeded"

	// EventLoginFailed is logged when an OPAQUE login cannot be finished
	EventLoginFailed = "login_failed"

	// EventPasswordChanged is logged when a user's password file is replaced
	EventPasswordChanged = "password_changed" //nolint:gosec // G101: event name, not a credential

	// Token lifecycle events

	// EventTokenIssued is logged when a new token set starts a refresh family
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenFamilyRevoked is logged when a refresh token family is deleted
	EventTokenFamilyRevoked = "token_family_revoked"

	// EventUserTokensRevoked is logged when all refresh tokens of a user are deleted
	EventUserTokensRevoked = "user_tokens_revoked" //nolint:gosec // G101: event name, not a credential

	// Security violation events

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is replayed
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventAuthFailure is logged when a token request is rejected
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidPKCE is logged when PKCE validation fails
	EventInvalidPKCE = "invalid_pkce"
)
