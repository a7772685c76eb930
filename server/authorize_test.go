package server

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsav-dodeka/dodeka-oauth/internal/testutil"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

func validAuthParams() AuthorizationParams {
	challenge, _ := testutil.GeneratePKCEPair()
	return AuthorizationParams{
		ResponseType:        ResponseTypeCode,
		ClientID:            testFrontend,
		RedirectURI:         testRedirect,
		State:               "some-state",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Nonce:               "some-nonce",
	}
}

func TestStartAuthorization_StoresRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := validAuthParams()

	redirect, err := env.srv.StartAuthorization(ctx, params)
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, "/credentials", u.Path)

	// Only the flow id travels to the credentials page.
	q := u.Query()
	assert.Len(t, q, 1)
	flowID := q.Get("flow_id")
	require.NotEmpty(t, flowID)

	stored, err := env.store.GetAuthRequest(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, params.CodeChallenge, stored.CodeChallenge)
	assert.Equal(t, params.State, stored.State)
	assert.Equal(t, params.Nonce, stored.Nonce)
	assert.Equal(t, params.RedirectURI, stored.RedirectURI)
}

func TestStartAuthorization_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name         string
		mutate       func(p *AuthorizationParams)
		code         string
		debugKey     string
		wantRedirect bool
	}{
		{
			name:     "unknown client",
			mutate:   func(p *AuthorizationParams) { p.ClientID = "other" },
			code:     ErrorCodeInvalidRequest,
			debugKey: DebugKeyBadClientID,
		},
		{
			name:     "unknown redirect",
			mutate:   func(p *AuthorizationParams) { p.RedirectURI = "https://evil.example.com/cb" },
			code:     ErrorCodeInvalidRequest,
			debugKey: DebugKeyBadRedirect,
		},
		{
			name: "client checked before redirect",
			mutate: func(p *AuthorizationParams) {
				p.ClientID = "other"
				p.RedirectURI = "https://evil.example.com/cb"
			},
			code:     ErrorCodeInvalidRequest,
			debugKey: DebugKeyBadClientID,
		},
		{
			name:         "token response type",
			mutate:       func(p *AuthorizationParams) { p.ResponseType = "token" },
			code:         ErrorCodeUnsupportedResponseType,
			wantRedirect: true,
		},
		{
			name:         "short challenge",
			mutate:       func(p *AuthorizationParams) { p.CodeChallenge = strings.Repeat("a", 42) },
			code:         ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "long challenge",
			mutate:       func(p *AuthorizationParams) { p.CodeChallenge = strings.Repeat("a", 129) },
			code:         ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "challenge charset",
			mutate:       func(p *AuthorizationParams) { p.CodeChallenge = strings.Repeat("a", 42) + "+" },
			code:         ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "plain method",
			mutate:       func(p *AuthorizationParams) { p.CodeChallengeMethod = "plain" },
			code:         ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "long state",
			mutate:       func(p *AuthorizationParams) { p.State = strings.Repeat("s", 100) },
			code:         ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "long nonce",
			mutate:       func(p *AuthorizationParams) { p.Nonce = strings.Repeat("n", 100) },
			code:         ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validAuthParams()
			tt.mutate(&params)

			_, err := env.srv.StartAuthorization(context.Background(), params)
			oauthErr := requireOAuthError(t, err, tt.code, tt.debugKey)
			if tt.wantRedirect {
				assert.Equal(t, testRedirect, oauthErr.RedirectURI)
			} else {
				assert.Empty(t, oauthErr.RedirectURI)
			}
		})
	}
}

func TestStartAuthorization_BoundaryLengths(t *testing.T) {
	env := newTestEnv(t)

	params := validAuthParams()
	params.State = strings.Repeat("s", 99)
	params.Nonce = strings.Repeat("n", 99)
	params.CodeChallenge = strings.Repeat("A", 128)
	_, err := env.srv.StartAuthorization(context.Background(), params)
	assert.NoError(t, err)

	params.CodeChallenge = strings.Repeat("-._~", 11)[:43]
	_, err = env.srv.StartAuthorization(context.Background(), params)
	assert.NoError(t, err)
}

func TestErrorRedirectURL(t *testing.T) {
	env := newTestEnv(t)
	params := validAuthParams()
	params.ResponseType = "token"

	_, err := env.srv.StartAuthorization(context.Background(), params)
	oauthErr, ok := AsError(err)
	require.True(t, ok)

	redirect, err := ErrorRedirectURL(oauthErr)
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeUnsupportedResponseType, u.Query().Get("error"))
	assert.Equal(t, "some-state", u.Query().Get("state"))
	assert.NotEmpty(t, u.Query().Get("error_description"))
}

func TestFinishAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()
	flowID := env.authorize(t, challenge, "client-state", "n")

	redirect, err := env.srv.FinishAuthorization(ctx, flowID, "the-code")
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "/auth/callback", u.Path)
	assert.Equal(t, "the-code", u.Query().Get("code"))
	assert.Equal(t, "client-state", u.Query().Get("state"))

	// The request is still there for the token exchange.
	_, err = env.store.GetAuthRequest(ctx, flowID)
	assert.NoError(t, err)
}

func TestFinishAuthorization_MissingFlow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.FinishAuthorization(context.Background(), "unknown", "code")
	requireOAuthError(t, err, ErrorCodeInvalidRequest, DebugKeyMissingFlowID)
}

func TestFinishAuthorization_ExpiredFlow(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()
	flowID := env.authorize(t, challenge, "s", "n")

	env.clock.Advance(storage.AuthRequestTTL + time.Second)
	_, err := env.srv.FinishAuthorization(context.Background(), flowID, "code")
	requireOAuthError(t, err, ErrorCodeInvalidRequest, DebugKeyMissingFlowID)
}
