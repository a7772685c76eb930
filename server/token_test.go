package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsav-dodeka/dodeka-oauth/internal/testutil"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

func codeRequest(code, verifier string) *TokenRequest {
	return &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     testFrontend,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
		Code:         code,
	}
}

// verifiedClaims checks the signature of token against the published keys.
func verifiedClaims(t *testing.T, env *testEnv, token string) map[string]any {
	t.Helper()
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	require.NoError(t, err)
	require.Len(t, parsed.Headers, 1)
	assert.Equal(t, "JWT", parsed.Headers[0].ExtraHeaders[jose.HeaderType])

	jwks := env.srv.PublicKeys()
	candidates := jwks.Key(parsed.Headers[0].KeyID)
	require.Len(t, candidates, 1, "token must be signed by a published key")

	var out map[string]any
	require.NoError(t, parsed.Claims(candidates[0].Key, &out))
	return out
}

func TestCodeExchange_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sum := sha256.Sum256([]byte("verifier-abc"))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	flowID := env.authorize(t, challenge, "st", "nonce-xyz")
	code := env.login(t, testEmail, testPassword, flowID)

	resp, err := env.srv.ProcessTokenRequest(ctx, codeRequest(code, "verifier-abc"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, TokenTypeBearer, resp.TokenType)
	assert.Equal(t, DefaultIDTokenExp, resp.ExpiresIn)
	assert.Equal(t, testScope, resp.Scope)

	_, err = env.srv.ProcessTokenRequest(ctx, codeRequest(code, "verifier-abc"))
	requireOAuthError(t, err, ErrorCodeInvalidGrant, DebugKeyEmptyFlow)
}

func TestCodeExchange_TokenClaims(t *testing.T) {
	env := newTestEnv(t)
	resp := env.issue(t)
	now := env.clock.Now().Unix()

	access := verifiedClaims(t, env, resp.AccessToken)
	assert.Equal(t, testUserID, access["sub"])
	assert.Equal(t, testIssuer, access["iss"])
	assert.Equal(t, []any{testFrontend, testBackend}, access["aud"])
	assert.Equal(t, testScope, access["scope"])
	assert.EqualValues(t, now, access["iat"])
	assert.EqualValues(t, now+DefaultAccessTokenExp, access["exp"])

	id := verifiedClaims(t, env, resp.IDToken)
	assert.Equal(t, testUserID, id["sub"])
	assert.Equal(t, []any{testFrontend}, id["aud"])
	assert.Equal(t, "nonce-1", id["nonce"])
	assert.EqualValues(t, now, id["auth_time"])
	assert.EqualValues(t, now+DefaultIDTokenExp, id["exp"])
	assert.Equal(t, testEmail, id["email"])
	assert.Equal(t, "Alice", id["given_name"])
	assert.NotContains(t, id, "scope")

	claims, err := env.srv.VerifyAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testUserID, claims.Subject)
	assert.Equal(t, testScope, claims.Scope)
}

func TestVerifyAccessToken_Rejects(t *testing.T) {
	env := newTestEnv(t)
	resp := env.issue(t)
	ctx := context.Background()

	_, err := env.srv.VerifyAccessToken(ctx, resp.IDToken)
	assert.ErrorIs(t, err, ErrInvalidAccessToken, "ID tokens lack the backend audience")

	_, err = env.srv.VerifyAccessToken(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	env.clock.Advance(time.Duration(DefaultAccessTokenExp+1) * time.Second)
	_, err = env.srv.VerifyAccessToken(ctx, resp.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestCodeExchange_PKCEBitFlip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, verifier := testutil.GeneratePKCEPair()
	challenge := base64url256(verifier)

	for _, bit := range []int{0, 7, 100, len(verifier)*8 - 1} {
		flowID := env.authorize(t, challenge, "s", "n")
		code := env.login(t, testEmail, testPassword, flowID)

		flipped := []byte(verifier)
		flipped[bit/8] ^= 1 << (bit % 8)
		_, err := env.srv.ProcessTokenRequest(ctx, codeRequest(code, string(flipped)))
		oauthErr := requireOAuthError(t, err, ErrorCodeInvalidGrant, "")
		assert.Equal(t, "Incorrect code_challenge", oauthErr.Description)
	}

	flowID := env.authorize(t, challenge, "s", "n")
	code := env.login(t, testEmail, testPassword, flowID)
	_, err := env.srv.ProcessTokenRequest(ctx, codeRequest(code, verifier))
	assert.NoError(t, err)
}

func base64url256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestProcessTokenRequest_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// newCode runs a fresh flow and returns its code and verifier.
	newCode := func(t *testing.T) (string, string) {
		challenge, verifier := testutil.GeneratePKCEPair()
		flowID := env.authorize(t, challenge, "s", "n")
		return env.login(t, testEmail, testPassword, flowID), verifier
	}

	t.Run("invalid client", func(t *testing.T) {
		req := codeRequest("c", "v")
		req.ClientID = "other"
		_, err := env.srv.ProcessTokenRequest(ctx, req)
		requireOAuthError(t, err, ErrorCodeInvalidClient, "")
	})

	t.Run("unsupported grant", func(t *testing.T) {
		_, err := env.srv.ProcessTokenRequest(ctx, &TokenRequest{GrantType: "password", ClientID: testFrontend})
		requireOAuthError(t, err, ErrorCodeUnsupportedGrantType, "")
	})

	t.Run("missing refresh token", func(t *testing.T) {
		_, err := env.srv.ProcessTokenRequest(ctx, &TokenRequest{GrantType: GrantTypeRefreshToken, ClientID: testFrontend})
		oauthErr := requireOAuthError(t, err, ErrorCodeInvalidGrant, "")
		assert.Equal(t, "refresh_token must be defined", oauthErr.Description)
	})

	t.Run("incomplete code request", func(t *testing.T) {
		for _, mutate := range []func(r *TokenRequest){
			func(r *TokenRequest) { r.Code = "" },
			func(r *TokenRequest) { r.CodeVerifier = "" },
			func(r *TokenRequest) { r.RedirectURI = "" },
		} {
			req := codeRequest("c", "v")
			mutate(req)
			_, err := env.srv.ProcessTokenRequest(ctx, req)
			requireOAuthError(t, err, ErrorCodeInvalidRequest, DebugKeyIncompleteCode)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := env.srv.ProcessTokenRequest(ctx, codeRequest("unknown", "v"))
		requireOAuthError(t, err, ErrorCodeInvalidGrant, DebugKeyEmptyFlow)
	})

	t.Run("expired code", func(t *testing.T) {
		code, verifier := newCode(t)
		env.clock.Advance(storage.FlowUserTTL + time.Second)
		_, err := env.srv.ProcessTokenRequest(ctx, codeRequest(code, verifier))
		requireOAuthError(t, err, ErrorCodeInvalidGrant, DebugKeyEmptyFlow)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code, verifier := newCode(t)
		req := codeRequest(code, verifier)
		req.RedirectURI = "https://app.example.com/other"
		_, err := env.srv.ProcessTokenRequest(ctx, req)
		oauthErr := requireOAuthError(t, err, ErrorCodeInvalidRequest, "")
		assert.Equal(t, "Incorrect redirect_uri", oauthErr.Description)
	})

	t.Run("missing auth request", func(t *testing.T) {
		code := env.login(t, testEmail, testPassword, "no-such-flow")
		_, err := env.srv.ProcessTokenRequest(ctx, codeRequest(code, "v"))
		oauthErr := requireOAuthError(t, err, ErrorCodeInvalidGrant, "")
		assert.Equal(t, "Expired or missing auth request", oauthErr.Description)
	})
}

func TestNewToken_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.NewToken(context.Background(), "ghost", "member", env.clock.Now().Unix(), "n")
	requireOAuthError(t, err, ErrorCodeInvalidGrant, "")
}

func TestNewToken_StoresFamily(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now().Unix()

	_, err := env.srv.NewToken(context.Background(), testUserID, testScope, now, "n")
	require.NoError(t, err)
	require.Equal(t, 1, env.store.RefreshTokenCount())
}
