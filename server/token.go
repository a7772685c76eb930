package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/keys"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// Grant types accepted by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenTypeBearer is the token_type of every token response
const TokenTypeBearer = "Bearer"

// TokenRequest is the body of a token endpoint request.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ProcessTokenRequest handles both supported grants for the frontend client.
func (s *Server) ProcessTokenRequest(ctx context.Context, req *TokenRequest) (resp *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "ProcessTokenRequest")
	defer func() { s.endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	if req.ClientID != s.Config.FrontendClientID {
		return nil, ErrInvalidClient("Invalid client ID.")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.authCodeGrant(ctx, req)
	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return nil, ErrInvalidGrant("refresh_token must be defined")
		}
		return s.DoRefresh(ctx, req.RefreshToken)
	default:
		return nil, ErrUnsupportedGrantType("Only 'refresh_token' and 'authorization_code' grant types are available.")
	}
}

func (s *Server) authCodeGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.RedirectURI == "" || req.CodeVerifier == "" || req.Code == "" {
		return nil, ErrInvalidRequest("redirect_uri, code and code_verifier must be defined").
			WithDebugKey(DebugKeyIncompleteCode)
	}

	// The code is single use: it is gone after this, whatever the outcome.
	flowUser, err := s.flowStore.PopFlowUser(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("Expired or missing auth code").WithDebugKey(DebugKeyEmptyFlow)
		}
		return nil, fmt.Errorf("failed to load flow user: %w", err)
	}

	authReq, err := s.flowStore.GetAuthRequest(ctx, flowUser.FlowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("Expired or missing auth request")
		}
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}

	if req.ClientID != authReq.ClientID {
		return nil, ErrInvalidRequest("Incorrect client_id")
	}
	if req.RedirectURI != authReq.RedirectURI {
		return nil, ErrInvalidRequest("Incorrect redirect_uri")
	}

	if !verifyPKCE(authReq.CodeChallenge, req.CodeVerifier) {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authReq.CodeChallengeMethod)
		}
		s.Auditor.LogInvalidPKCE(flowUser.UserID, req.ClientID)
		return nil, ErrInvalidGrant("Incorrect code_challenge")
	}

	instrumentation.AddOAuthFlowAttributes(trace.SpanFromContext(ctx), req.ClientID, flowUser.UserID, flowUser.Scope)

	resp, err := s.NewToken(ctx, flowUser.UserID, flowUser.Scope, flowUser.AuthTime, authReq.Nonce)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, req.ClientID, authReq.CodeChallengeMethod)
	}
	s.Auditor.LogTokenIssued(flowUser.UserID, req.ClientID, flowUser.Scope)
	return resp, nil
}

// NewToken starts a new refresh token family for the user and returns
// the first set of tokens.
func (s *Server) NewToken(ctx context.Context, userID, scope string, authTime int64, idNonce string) (*TokenResponse, error) {
	k, err := s.keys.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}

	info, err := s.userStore.GetIdentityInfo(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("User no longer exists.")
		}
		return nil, fmt.Errorf("failed to load identity info: %w", err)
	}

	access := s.accessCore(userID, scope)
	id, err := s.idCore(userID, authTime, idNonce, info)
	if err != nil {
		return nil, err
	}

	accessValue, err := encodeClaims(access)
	if err != nil {
		return nil, err
	}
	idValue, err := encodeClaims(id)
	if err != nil {
		return nil, err
	}

	now := s.unixNow()
	row := &storage.SavedRefreshToken{
		UserID:       userID,
		FamilyID:     randomURLSafe(16),
		AccessValue:  accessValue,
		IDTokenValue: idValue,
		IssuedAt:     now,
		ExpiresAt:    now + s.Config.RefreshTokenExp,
		Nonce:        "",
	}
	row.ID, err = s.tokenStore.InsertRefreshToken(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return s.finishTokens(k, access, id, row, now)
}

// finishTokens signs the access and ID tokens and seals the refresh token
// pointing at row.
func (s *Server) finishTokens(k *keys.Keys, access, id claims, row *storage.SavedRefreshToken, now int64) (*TokenResponse, error) {
	accessToken, err := signClaims(k.Signing, access, now, s.Config.AccessTokenExp)
	if err != nil {
		return nil, err
	}
	idToken, err := signClaims(k.Signing, id, now, s.Config.IDTokenExp)
	if err != nil {
		return nil, err
	}
	refreshToken, err := sealRefresh(k, refreshPayload{ID: row.ID, FamilyID: row.FamilyID, Nonce: row.Nonce})
	if err != nil {
		return nil, err
	}

	scope, _ := access["scope"].(string)
	return &TokenResponse{
		IDToken:      idToken,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.IDTokenExp,
		Scope:        scope,
	}, nil
}
