package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

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
	testNewUserID   = "2_bob"
	testNewEmail    = "bob@example.com"
	testRegisterID  = "register-secret-bob"
)

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Issuer:           testIssuer,
		FrontendClientID: testFrontend,
		BackendClientID:  testBackend,
		ValidRedirects:   []string{testRedirect},
		CredentialsURL:   testCredentials,
	}
}

type httpEnv struct {
	srv     *Server
	handler *Handler
	routes  http.Handler
	store   *memory.Store
	clock   *testutil.MockTime
}

// newHTTPEnv builds a provisioned server with a registered user, a user
// waiting to register and the decoy record, and mounts its routes.
func newHTTPEnv(t *testing.T, config *Config) *httpEnv {
	t.Helper()
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Unix(1700000000, 0))
	store := memory.New()
	t.Cleanup(store.Stop)
	store.SetClock(clock.Now)

	km, err := keys.NewManager(store, store, "handler test secret", nil)
	require.NoError(t, err)
	km.SetClock(clock.Now)
	require.NoError(t, km.Provision(ctx))
	require.NoError(t, km.Load(ctx))

	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:           storage.FakeRecordUserID,
		Email:        "fakerecord",
		PasswordFile: testutil.FakePasswordFile(storage.FakeRecordUserID, testutil.GenerateRandomString(32)),
		Scope:        "none",
		RegisterID:   "register-secret-decoy",
	}, &storage.IdentityInfo{}))
	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:           testUserID,
		Email:        testEmail,
		PasswordFile: testutil.FakePasswordFile(testUserID, testPassword),
		Scope:        "member",
		RegisterID:   "register-secret-alice",
	}, &storage.IdentityInfo{Email: testEmail, Name: "Alice Example"}))
	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:         testNewUserID,
		Email:      testNewEmail,
		Scope:      "member",
		RegisterID: testRegisterID,
	}, &storage.IdentityInfo{Email: testNewEmail, Name: "Bob Example"}))

	srv, err := NewServer(store, store, store, km, &testutil.FakeOPAQUE{}, testServerConfig(), nil)
	require.NoError(t, err)
	srv.SetClock(clock.Now)

	h, err := NewHandler(srv, config)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	return &httpEnv{srv: srv, handler: h, routes: h.Routes(), store: store, clock: clock}
}

func (e *httpEnv) do(req *testutil.HTTPRequest) *httptest.ResponseRecorder {
	return req.Do(e.routes)
}

func TestNewServer(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	km, err := keys.NewManager(store, store, "secret", nil)
	require.NoError(t, err)

	srv, err := NewServer(store, store, store, km, &testutil.FakeOPAQUE{}, testServerConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, srv)

	_, err = NewServer(store, store, store, km, &testutil.FakeOPAQUE{}, nil, nil)
	require.Error(t, err)
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFromContext(context.Background())
	require.False(t, ok)

	claims := &AccessClaims{Scope: "member"}
	got, ok := ClaimsFromContext(ContextWithClaims(context.Background(), claims))
	require.True(t, ok)
	require.Same(t, claims, got)
}

// queryOf parses the query of a Location header.
func queryOf(t *testing.T, location string) url.Values {
	t.Helper()
	u, err := url.Parse(location)
	require.NoError(t, err)
	return u.Query()
}
