package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeInvalidToken            = "invalid_token"
)

// Debug keys identify the failing check in logs. They are returned to
// clients but carry no more detail than the description.
const (
	DebugKeyIncompleteCode  = "incomplete_code"
	DebugKeyEmptyFlow       = "empty_flow"
	DebugKeyBadClientID     = "bad_client_id"
	DebugKeyBadRedirect     = "bad_redirect"
	DebugKeyNoLoginStart    = "no_login_start"
	DebugKeyMissingFlowID   = "missing_oauth_flow_id"
	DebugKeyInvalidLogin    = "invalid_login"
	DebugKeyInvalidRefresh  = "invalid_refresh"
	DebugKeyNoRegisterStart = "no_register_start"
	DebugKeyBadRegistration = "bad_registration"
)

// Error is an OAuth error that the HTTP layer can show to the client.
// When RedirectURI is set the error is reported by redirecting there.
type Error struct {
	Code        string
	Description string
	DebugKey    string
	Status      int
	RedirectURI string
	State       string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.DebugKey != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Description, e.DebugKey)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithDebugKey returns a copy of e carrying key.
func (e *Error) WithDebugKey(key string) *Error {
	c := *e
	c.DebugKey = key
	return &c
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest indicates a malformed request or a failed precondition
func ErrInvalidRequest(desc string) *Error {
	return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidGrant indicates an invalid, expired or reused code or refresh token
func ErrInvalidGrant(desc string) *Error {
	return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrInvalidClient indicates an unknown client id
func ErrInvalidClient(desc string) *Error {
	return NewError(ErrorCodeInvalidClient, desc, http.StatusBadRequest)
}

// ErrUnsupportedGrantType indicates a grant type other than authorization_code or refresh_token
func ErrUnsupportedGrantType(desc string) *Error {
	return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrRedirect creates an error that is reported by redirecting to redirectURI.
func ErrRedirect(code, desc, redirectURI, state string) *Error {
	return &Error{
		Code:        code,
		Description: desc,
		Status:      http.StatusSeeOther,
		RedirectURI: redirectURI,
		State:       state,
	}
}

// AsError returns the OAuth error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr, true
	}
	return nil, false
}
