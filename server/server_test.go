package server

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsav-dodeka/dodeka-oauth/internal/testutil"
	"github.com/dsav-dodeka/dodeka-oauth/keys"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
	"github.com/dsav-dodeka/dodeka-oauth/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testFrontend    = "dodekaweb_client"
	testBackend     = "dodekabackend_client"
	testRedirect    = "https://app.example.com/auth/callback"
	testCredentials = "https://app.example.com/credentials"
	testUserID      = "1_alice"
	testEmail       = "alice@example.com"
	testPassword    = "correct horse battery staple"
	testScope       = "member"
	testNewUserID   = "2_bob"
	testNewEmail    = "bob@example.com"
	testRegisterID  = "register-secret-bob"
)

type testEnv struct {
	srv   *Server
	store *memory.Store
	keys  *keys.Manager
	clock *testutil.MockTime
}

func testConfig() *Config {
	return &Config{
		Issuer:           testIssuer,
		FrontendClientID: testFrontend,
		BackendClientID:  testBackend,
		ValidRedirects:   []string{testRedirect},
		CredentialsURL:   testCredentials,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Unix(1700000000, 0))
	store := memory.New()
	t.Cleanup(store.Stop)
	store.SetClock(clock.Now)

	km, err := keys.NewManager(store, store, "test deployment secret", nil)
	require.NoError(t, err)
	km.SetClock(clock.Now)
	require.NoError(t, km.Provision(ctx))
	require.NoError(t, km.Load(ctx))

	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:           storage.FakeRecordUserID,
		Email:        "fakerecord@localhost",
		PasswordFile: testutil.FakePasswordFile(storage.FakeRecordUserID, testutil.GenerateRandomString(32)),
		Scope:        "none",
		RegisterID:   "register-secret-decoy",
	}, &storage.IdentityInfo{}))
	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:           testUserID,
		Email:        testEmail,
		PasswordFile: testutil.FakePasswordFile(testUserID, testPassword),
		Scope:        testScope,
		RegisterID:   "register-secret-alice",
	}, &storage.IdentityInfo{
		Email:      testEmail,
		Name:       "Alice Example",
		GivenName:  "Alice",
		FamilyName: "Example",
	}))
	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:         testNewUserID,
		Email:      testNewEmail,
		Scope:      testScope,
		RegisterID: testRegisterID,
	}, &storage.IdentityInfo{Email: testNewEmail, Name: "Bob Example"}))

	srv, err := New(store, store, store, km, &testutil.FakeOPAQUE{}, testConfig(), nil)
	require.NoError(t, err)
	srv.SetClock(clock.Now)

	return &testEnv{srv: srv, store: store, keys: km, clock: clock}
}

// authorize starts an authorization with challenge and returns the flow id.
func (e *testEnv) authorize(t *testing.T, challenge, state, nonce string) string {
	t.Helper()
	redirect, err := e.srv.StartAuthorization(context.Background(), AuthorizationParams{
		ResponseType:        ResponseTypeCode,
		ClientID:            testFrontend,
		RedirectURI:         testRedirect,
		State:               state,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Nonce:               nonce,
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	flowID := u.Query().Get("flow_id")
	require.NotEmpty(t, flowID)
	return flowID
}

// login runs both OPAQUE login messages and returns the authorization code.
func (e *testEnv) login(t *testing.T, email, password, flowID string) string {
	t.Helper()
	ctx := context.Background()
	ke2, authID, err := e.srv.StartLogin(ctx, email, testutil.FakeKE1(password))
	require.NoError(t, err)
	require.NoError(t, e.srv.FinishLogin(ctx, authID, email, testutil.FakeKE3(password), flowID))
	return testutil.FakeSessionKey(ke2)
}

// issue runs a full flow and returns the first token response.
func (e *testEnv) issue(t *testing.T) *TokenResponse {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	flowID := e.authorize(t, challenge, "state-1", "nonce-1")
	code := e.login(t, testEmail, testPassword, flowID)

	resp, err := e.srv.ProcessTokenRequest(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     testFrontend,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
		Code:         code,
	})
	require.NoError(t, err)
	return resp
}

func (e *testEnv) refresh(refreshToken string) (*TokenResponse, error) {
	return e.srv.ProcessTokenRequest(context.Background(), &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     testFrontend,
		RefreshToken: refreshToken,
	})
}

// requireOAuthError asserts that err is an OAuth error with code and,
// when debugKey is not empty, that debug key.
func requireOAuthError(t *testing.T, err error, code, debugKey string) *Error {
	t.Helper()
	require.Error(t, err)
	oauthErr, ok := AsError(err)
	require.True(t, ok, "expected an OAuth error, got %v", err)
	assert.Equal(t, code, oauthErr.Code)
	if debugKey != "" {
		assert.Equal(t, debugKey, oauthErr.DebugKey)
	}
	return oauthErr
}

func TestNew_RequiresDependencies(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	km, err := keys.NewManager(store, store, "secret", nil)
	require.NoError(t, err)
	fake := &testutil.FakeOPAQUE{}

	tests := []struct {
		name string
		fn   func() (*Server, error)
	}{
		{"flow store", func() (*Server, error) { return New(nil, store, store, km, fake, testConfig(), nil) }},
		{"token store", func() (*Server, error) { return New(store, nil, store, km, fake, testConfig(), nil) }},
		{"user store", func() (*Server, error) { return New(store, store, nil, km, fake, testConfig(), nil) }},
		{"key provider", func() (*Server, error) { return New(store, store, store, nil, fake, testConfig(), nil) }},
		{"opaque server", func() (*Server, error) { return New(store, store, store, km, nil, testConfig(), nil) }},
		{"config", func() (*Server, error) { return New(store, store, store, km, fake, nil, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			assert.Error(t, err)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.srv.Config

	assert.Equal(t, DefaultAccessTokenExp, cfg.AccessTokenExp)
	assert.Equal(t, DefaultIDTokenExp, cfg.IDTokenExp)
	assert.Equal(t, DefaultRefreshTokenExp, cfg.RefreshTokenExp)
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod)
	assert.NotNil(t, env.srv.Logger)
}

func TestNew_ConfigValidation(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	km, err := keys.NewManager(store, store, "secret", nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing frontend client", func(c *Config) { c.FrontendClientID = "" }, true},
		{"missing backend client", func(c *Config) { c.BackendClientID = "" }, true},
		{"no redirects", func(c *Config) { c.ValidRedirects = nil }, true},
		{"bad redirect", func(c *Config) { c.ValidRedirects = []string{"not a url"} }, true},
		{"missing credentials url", func(c *Config) { c.CredentialsURL = "" }, true},
		{"negative grace", func(c *Config) { c.GracePeriod = -1 }, true},
		{"http localhost issuer", func(c *Config) { c.Issuer = "http://localhost:4243" }, false},
		{"http remote issuer", func(c *Config) { c.Issuer = "http://auth.example.com" }, true},
		{"http remote issuer allowed", func(c *Config) {
			c.Issuer = "http://auth.example.com"
			c.AllowInsecureHTTP = true
		}, false},
		{"ftp issuer", func(c *Config) { c.Issuer = "ftp://auth.example.com" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := New(store, store, store, km, &testutil.FakeOPAQUE{}, cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_DoesNotModifyConfig(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	km, err := keys.NewManager(store, store, "secret", nil)
	require.NoError(t, err)

	cfg := testConfig()
	_, err = New(store, store, store, km, &testutil.FakeOPAQUE{}, cfg, nil)
	require.NoError(t, err)
	assert.Zero(t, cfg.AccessTokenExp)
}
