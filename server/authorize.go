package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

const (
	// ResponseTypeCode is the only supported response_type
	ResponseTypeCode = "code"

	// PKCEMethodS256 is the only supported code_challenge_method
	PKCEMethodS256 = "S256"

	// maxParamLength bounds state and nonce (exclusive)
	maxParamLength = 100
)

// AuthorizationParams are the query parameters of an authorization request.
type AuthorizationParams struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	State               string `json:"state" validate:"max=99"`
	CodeChallenge       string `json:"code_challenge" validate:"min=43,max=128,pkce_charset"`
	CodeChallengeMethod string `json:"code_challenge_method" validate:"eq=S256"`
	Nonce               string `json:"nonce" validate:"max=99"`
}

var authValidate = newAuthValidator()

func newAuthValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("json")
	})
	_ = v.RegisterValidation("pkce_charset", func(fl validator.FieldLevel) bool {
		return isPKCECharset(fl.Field().String())
	})
	return v
}

// isPKCECharset reports whether s only uses the unreserved characters
// [A-Za-z0-9-._~] allowed in a code challenge.
func isPKCECharset(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// describeValidation turns validator errors into a short client-facing description.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid authorization request."
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// StartAuthorization validates an authorization request, stores it under a
// new flow id and returns the credentials page URL carrying only that id.
//
// Client and redirect URI errors are returned as plain errors: the redirect
// URI cannot be trusted yet. Later failures redirect back to the client.
func (s *Server) StartAuthorization(ctx context.Context, params AuthorizationParams) (redirect string, err error) {
	ctx, span := s.startSpan(ctx, "StartAuthorization")
	defer func() { s.endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, params.ClientID),
		attribute.String(instrumentation.AttrResponseType, params.ResponseType),
	)

	if params.ClientID != s.Config.FrontendClientID {
		return "", ErrInvalidRequest("Unrecognized client ID!").WithDebugKey(DebugKeyBadClientID)
	}
	if !slices.Contains(s.Config.ValidRedirects, params.RedirectURI) {
		return "", ErrInvalidRequest("Unrecognized redirect for client!").WithDebugKey(DebugKeyBadRedirect)
	}

	echoState := ""
	if len(params.State) < maxParamLength {
		echoState = params.State
	}

	if params.ResponseType != ResponseTypeCode {
		return "", ErrRedirect(ErrorCodeUnsupportedResponseType,
			"Only 'code' response_type is supported!", params.RedirectURI, echoState)
	}

	if err := authValidate.Struct(params); err != nil {
		return "", ErrRedirect(ErrorCodeInvalidRequest, describeValidation(err), params.RedirectURI, echoState)
	}

	flowID := generateRandomToken()
	req := &storage.AuthRequest{
		ResponseType:        params.ResponseType,
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		State:               params.State,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		Nonce:               params.Nonce,
	}
	if err := s.flowStore.SaveAuthRequest(ctx, flowID, req); err != nil {
		return "", fmt.Errorf("failed to save authorization request: %w", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, params.ClientID)
	}
	s.Logger.Debug("Authorization request stored", "client_id", params.ClientID)

	return appendQuery(s.Config.CredentialsURL, url.Values{"flow_id": {flowID}})
}

// FinishAuthorization sends the user back to the client with the
// authorization code and the state of the original request. The request
// is read, not consumed: the token exchange needs it again.
func (s *Server) FinishAuthorization(ctx context.Context, flowID, code string) (redirect string, err error) {
	ctx, span := s.startSpan(ctx, "FinishAuthorization")
	defer func() {
		s.endSpan(span, err)
		if m := s.metrics(); m != nil {
			m.RecordCallbackProcessed(ctx, err == nil)
		}
	}()

	req, err := s.flowStore.GetAuthRequest(ctx, flowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidRequest("Expired or missing auth request").WithDebugKey(DebugKeyMissingFlowID)
		}
		return "", fmt.Errorf("failed to load authorization request: %w", err)
	}

	query := url.Values{"code": {code}}
	if req.State != "" {
		query.Set("state", req.State)
	}
	return appendQuery(req.RedirectURI, query)
}

// ErrorRedirectURL renders a redirect-carrying error as the client's
// redirect URI with error, error_description and state.
func ErrorRedirectURL(e *Error) (string, error) {
	query := url.Values{"error": {e.Code}}
	if e.Description != "" {
		query.Set("error_description", e.Description)
	}
	if e.State != "" {
		query.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, query)
}

// appendQuery adds values to the query of base, keeping any existing parameters.
func appendQuery(base string, values url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid redirect base %q: %w", base, err)
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
