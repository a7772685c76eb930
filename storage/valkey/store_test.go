package valkey

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// testStore connects to VALKEY_TEST_ADDR when set and skips if it is
// unreachable. Without it the store runs against an in-process miniredis.
// The returned miniredis is nil for a real server.
func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	if addr := os.Getenv("VALKEY_TEST_ADDR"); addr != "" {
		store, err := New(Config{
			Address:   addr,
			KeyPrefix: fmt.Sprintf("dodekatest:%s:", t.Name()),
		})
		if err != nil {
			t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
		}
		t.Cleanup(store.Close)
		return store, nil
	}

	mr := miniredis.RunT(t)
	store, err := New(Config{Address: mr.Addr(), DisableCache: true})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, mr
}

// expire moves past ttl on miniredis. Against a real server the test is skipped.
func expire(t *testing.T, mr *miniredis.Miniredis, ttl time.Duration) {
	t.Helper()
	if mr == nil {
		t.Skip("TTL expiry is only simulated with miniredis")
	}
	mr.FastForward(ttl + time.Second)
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(Config{Address: "127.0.0.1:1", DisableCache: true})
	assert.Error(t, err)
}

func TestFlowStore_AuthRequest(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	req := &storage.AuthRequest{
		ResponseType:        "code",
		ClientID:            "dodekaweb_client",
		RedirectURI:         "https://app.example/callback",
		State:               "state",
		CodeChallenge:       strings.Repeat("a", 43),
		CodeChallengeMethod: "S256",
		Nonce:               "nonce",
	}
	require.NoError(t, s.SaveAuthRequest(ctx, "flow1", req))

	for i := 0; i < 2; i++ {
		got, err := s.GetAuthRequest(ctx, "flow1")
		require.NoError(t, err, "read %d", i)
		assert.Equal(t, req, got)
	}

	if mr != nil {
		assert.Equal(t, storage.AuthRequestTTL, mr.TTL(s.flowKey("flow1")))
	}

	expire(t, mr, storage.AuthRequestTTL)
	_, err := s.GetAuthRequest(ctx, "flow1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlowStore_LoginStatePop(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	state := &storage.LoginState{UserID: "1_alice", UserEmail: "alice@example.com", Scope: "member", ServerState: []byte{0, 1, 2, 255}}
	require.NoError(t, s.SaveLoginState(ctx, "auth1", state))

	got, err := s.PopLoginState(ctx, "auth1")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	_, err = s.PopLoginState(ctx, "auth1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveLoginState(ctx, "auth2", state))
	expire(t, mr, storage.LoginStateTTL)
	_, err = s.PopLoginState(ctx, "auth2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlowStore_FlowUserSingleUse(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	user := &storage.FlowUser{UserID: "1_alice", Scope: "member", FlowID: "flow", AuthTime: 1700000000}
	require.NoError(t, s.SaveFlowUser(ctx, "session-key", user))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.PopFlowUser(ctx, "session-key"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "an authorization code must be redeemable once")
}

func TestFlowStore_RegisterState(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRegisterState(ctx, "auth", &storage.RegisterState{UserID: "1_bob"}))
	got, err := s.PopRegisterState(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, "1_bob", got.UserID)

	_, err = s.PopRegisterState(ctx, "auth")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeyCache(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	_, err := s.GetKey(ctx, "kid")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	value := []byte{0, 1, 2, 3, 200}
	require.NoError(t, s.PutKey(ctx, "kid", value))
	got, err := s.GetKey(ctx, "kid")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestStartupLock(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	exists, _, err := s.StartupLockState(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err := s.TryStartupLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryStartupLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, locked, err := s.StartupLockState(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, locked)

	require.NoError(t, s.SetStartupLock(ctx, false))
	exists, locked, err = s.StartupLockState(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, locked)

	expire(t, mr, storage.StartupLockTTL)
	exists, _, err = s.StartupLockState(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestValidation(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	assert.Error(t, s.SaveAuthRequest(ctx, "", &storage.AuthRequest{}))
	assert.ErrorIs(t, s.SaveLoginState(ctx, strings.Repeat("x", MaxIDLength+1), &storage.LoginState{}), errInputTooLarge)
	assert.ErrorIs(t, s.PutKey(ctx, "kid", make([]byte, MaxValueSize+1)), errInputTooLarge)
	assert.ErrorIs(t, s.SaveLoginState(ctx, "auth", &storage.LoginState{ServerState: make([]byte, MaxValueSize)}), errInputTooLarge)
}
