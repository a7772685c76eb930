package oauth

import "github.com/dsav-dodeka/dodeka-oauth/server"

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// DebugKey names the failed check
	DebugKey string `json:"debug_key,omitempty"`
}

// TokenRequest is the body of POST /oauth/token/
type TokenRequest = server.TokenRequest

// TokenResponse is the successful response of POST /oauth/token/
type TokenResponse = server.TokenResponse

// LoginStartRequest is the body of POST /login/start/
type LoginStartRequest struct {
	Email         string `json:"email"`
	ClientRequest string `json:"client_request"`
}

// LoginStartResponse carries the OPAQUE KE2 message and the id of the
// pending login.
type LoginStartResponse struct {
	ServerMessage string `json:"server_message"`
	AuthID        string `json:"auth_id"`
}

// LoginFinishRequest is the body of POST /login/finish/
type LoginFinishRequest struct {
	AuthID        string `json:"auth_id"`
	Email         string `json:"email"`
	ClientRequest string `json:"client_request"`
	FlowID        string `json:"flow_id"`
}

// LogoutRequest is the body of POST /logout/delete/
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RegisterStartRequest is the body of POST /register/start/
type RegisterStartRequest struct {
	UserID        string `json:"user_id"`
	RegisterID    string `json:"register_id"`
	ClientRequest string `json:"client_request"`
}

// RegisterStartResponse has the same shape as LoginStartResponse
type RegisterStartResponse struct {
	ServerMessage string `json:"server_message"`
	AuthID        string `json:"auth_id"`
}

// RegisterFinishRequest is the body of POST /register/finish/
type RegisterFinishRequest struct {
	AuthID        string `json:"auth_id"`
	Email         string `json:"email"`
	ClientRequest string `json:"client_request"`
}
