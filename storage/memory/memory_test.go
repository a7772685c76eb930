package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
	"github.com/dsav-dodeka/dodeka-oauth/storage/storagetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	c := &clock{now: time.Unix(1700000000, 0)}
	s.SetClock(c.Now)
	return s, c
}

func TestStore_AuthRequest(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	req := &storage.AuthRequest{ClientID: "client", RedirectURI: "https://app/cb", State: "st"}
	require.NoError(t, s.SaveAuthRequest(ctx, "flow", req))

	got, err := s.GetAuthRequest(ctx, "flow")
	require.NoError(t, err)
	assert.Equal(t, *req, *got)

	// a get does not consume the request
	_, err = s.GetAuthRequest(ctx, "flow")
	require.NoError(t, err)

	c.Advance(storage.AuthRequestTTL + time.Second)
	_, err = s.GetAuthRequest(ctx, "flow")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_PopIsSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveLoginState(ctx, "auth", &storage.LoginState{UserID: "u", ServerState: []byte{1, 2}}))
	require.NoError(t, s.SaveFlowUser(ctx, "session", &storage.FlowUser{UserID: "u", FlowID: "f"}))
	require.NoError(t, s.SaveRegisterState(ctx, "reg", &storage.RegisterState{UserID: "u"}))

	ls, err := s.PopLoginState(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, ls.ServerState)
	_, err = s.PopLoginState(ctx, "auth")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	fu, err := s.PopFlowUser(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, "f", fu.FlowID)
	_, err = s.PopFlowUser(ctx, "session")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.PopRegisterState(ctx, "reg")
	require.NoError(t, err)
	_, err = s.PopRegisterState(ctx, "reg")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_LoginStateTTL(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveLoginState(ctx, "auth", &storage.LoginState{UserID: "u"}))
	c.Advance(storage.LoginStateTTL + time.Second)

	_, err := s.PopLoginState(ctx, "auth")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_KeyCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetKey(ctx, "kid")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	value := []byte("sealed")
	require.NoError(t, s.PutKey(ctx, "kid", value))
	value[0] = 'X'

	got, err := s.GetKey(ctx, "kid")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got, "stored value must not alias the caller's slice")
}

func TestStore_StartupLock(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	exists, _, err := s.StartupLockState(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err := s.TryStartupLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryStartupLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second try must fail while the lock is alive")

	exists, locked, err := s.StartupLockState(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, locked)

	require.NoError(t, s.SetStartupLock(ctx, false))
	exists, locked, _ = s.StartupLockState(ctx)
	assert.True(t, exists)
	assert.False(t, locked)

	c.Advance(storage.StartupLockTTL + time.Second)
	exists, _, _ = s.StartupLockState(ctx)
	assert.False(t, exists)
}

func TestStore_RefreshTokens(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRefreshToken(ctx, &storage.SavedRefreshToken{UserID: "u", FamilyID: "fam", Nonce: ""})
	require.NoError(t, err)

	row, err := s.GetRefreshToken(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, "fam", row.FamilyID)

	newID, err := s.ReplaceRefreshToken(ctx, id, &storage.SavedRefreshToken{UserID: "u", FamilyID: "fam", Nonce: "n1"})
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	_, err = s.GetRefreshToken(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, s.FamilyTokens("fam"), 1)

	// the replaced row is gone, so replacing it again must fail without inserting
	_, err = s.ReplaceRefreshToken(ctx, id, &storage.SavedRefreshToken{UserID: "u", FamilyID: "fam"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, s.FamilyTokens("fam"), 1)

	deleted, err := s.DeleteRefreshFamily(ctx, "fam")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Empty(t, s.FamilyTokens("fam"))

	deleted, err = s.DeleteRefreshFamily(ctx, "fam")
	require.NoError(t, err, "deleting an absent family is not an error")
	assert.Zero(t, deleted)
}

func TestStore_ConcurrentReplace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRefreshToken(ctx, &storage.SavedRefreshToken{FamilyID: "fam"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReplaceRefreshToken(ctx, id, &storage.SavedRefreshToken{FamilyID: "fam"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, s.FamilyTokens("fam"), 1)
}

func TestStore_DeleteUserRefreshTokens(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"a", "a", "b"} {
		_, err := s.InsertRefreshToken(ctx, &storage.SavedRefreshToken{UserID: u, FamilyID: u + "-fam"})
		require.NoError(t, err)
	}
	require.NoError(t, s.DeleteUserRefreshTokens(ctx, "a"))
	assert.Equal(t, 1, s.RefreshTokenCount())
}

func TestStore_Users(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	user := &storage.User{ID: "1_alice", Email: "Alice@Example.com", Scope: "member"}
	info := &storage.IdentityInfo{Email: "alice@example.com", GivenName: "Alice"}
	require.NoError(t, s.PutUser(ctx, user, info))

	got, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "1_alice", got.ID)

	require.NoError(t, s.UpdatePasswordFile(ctx, "1_alice", "pwfile"))
	got, err = s.GetUserByID(ctx, "1_alice")
	require.NoError(t, err)
	assert.Equal(t, "pwfile", got.PasswordFile)

	gotInfo, err := s.GetIdentityInfo(ctx, "1_alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", gotInfo.GivenName)

	_, err = s.GetUserByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdatePasswordFile(ctx, "nobody", "x"), storage.ErrNotFound)
	assert.Error(t, s.PutUser(ctx, &storage.User{}, nil))
}

func TestStore_KeyMaterial(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetKeySet(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateKeySet(ctx, "x"), storage.ErrNotFound)

	require.NoError(t, s.InsertKeySet(ctx, "blob1"))
	assert.ErrorIs(t, s.InsertKeySet(ctx, "blob2"), storage.ErrAlreadyExists)
	require.NoError(t, s.UpdateKeySet(ctx, "blob2"))
	blob, err := s.GetKeySet(ctx)
	require.NoError(t, err)
	assert.Equal(t, "blob2", blob)

	require.NoError(t, s.InsertKey(ctx, storage.KeyInfo{KID: "a", IssuedAt: 1, Use: storage.KeyUseEncryption}))
	assert.ErrorIs(t, s.InsertKey(ctx, storage.KeyInfo{KID: "a"}), storage.ErrAlreadyExists)
	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, s.InsertOpaqueSetup(ctx, "setup"))
	assert.ErrorIs(t, s.InsertOpaqueSetup(ctx, "other"), storage.ErrAlreadyExists)
	setup, err := s.GetOpaqueSetup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "setup", setup)
}

func TestStore_Cleanup(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthRequest(ctx, "flow", &storage.AuthRequest{}))
	require.NoError(t, s.SaveLoginState(ctx, "auth", &storage.LoginState{}))

	c.Advance(storage.LoginStateTTL + time.Second)
	s.cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.loginStates, 0)
	assert.Len(t, s.authRequests, 1)
	assert.Equal(t, int64(1), s.flowCount.Load())
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(context.Background(), instrumentation.Config{Enabled: false})
	require.NoError(t, err)

	s, _ := newTestStore(t)
	s.SetInstrumentation(inst)

	ctx := context.Background()
	require.NoError(t, s.SaveAuthRequest(ctx, "flow", &storage.AuthRequest{}))
	_, err = s.GetAuthRequest(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Durable(t *testing.T) {
	storagetest.RunDurable(t, func(t *testing.T) storagetest.Durable {
		s, _ := newTestStore(t)
		return s
	})
}
