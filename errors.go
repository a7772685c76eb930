package oauth

import (
	"errors"
	"net/http"

	"github.com/dsav-dodeka/dodeka-oauth/keys"
	"github.com/dsav-dodeka/dodeka-oauth/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// Error is an OAuth error response. See server.Error.
type Error = server.Error

// Common OAuth errors
var (
	ErrInvalidRequest       = server.ErrInvalidRequest
	ErrInvalidGrant         = server.ErrInvalidGrant
	ErrInvalidClient        = server.ErrInvalidClient
	ErrUnsupportedGrantType = server.ErrUnsupportedGrantType

	// ErrServerError hides internal failures from the client
	ErrServerError = func(desc string) *Error {
		return server.NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrRateLimited is returned once an IP exhausts its bucket
	ErrRateLimited = func() *Error {
		return server.NewError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	}

	// ErrInvalidToken is returned by the bearer token middleware
	ErrInvalidToken = func(desc string) *Error {
		return server.NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}
)

// toOAuthError maps any error to the response the client sees. Errors that
// are not OAuth errors become a generic server_error; fatal reports whether
// err means the deployment is misconfigured.
func toOAuthError(err error) (oauthErr *Error, fatal bool) {
	if e, ok := server.AsError(err); ok {
		return e, false
	}
	return ErrServerError("Internal server error"), errors.Is(err, keys.ErrKeysNotProvisioned)
}
