// Package storagetest holds behavior tests shared by every durable store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// Durable is the union of the durable store interfaces.
type Durable interface {
	storage.TokenStore
	storage.UserStore
	storage.KeyStore
}

// RunDurable runs the shared durable store tests. newStore must return an
// empty store for every call.
func RunDurable(t *testing.T, newStore func(t *testing.T) Durable) {
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore(t)) })
	t.Run("ReplaceMissing", func(t *testing.T) { testReplaceMissing(t, newStore(t)) })
	t.Run("ConcurrentReplace", func(t *testing.T) { testConcurrentReplace(t, newStore(t)) })
	t.Run("DeleteUserTokens", func(t *testing.T) { testDeleteUserTokens(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("KeyMaterial", func(t *testing.T) { testKeyMaterial(t, newStore(t)) })
}

func refreshRow(user, family, nonce string) *storage.SavedRefreshToken {
	return &storage.SavedRefreshToken{
		UserID:       user,
		FamilyID:     family,
		AccessValue:  "YWNjZXNz",
		IDTokenValue: "aWQ",
		IssuedAt:     1700000000,
		ExpiresAt:    1702592000,
		Nonce:        nonce,
	}
}

func testRefreshTokens(t *testing.T, s Durable) {
	ctx := context.Background()

	id, err := s.InsertRefreshToken(ctx, refreshRow("u1", "fam", ""))
	require.NoError(t, err)

	got, err := s.GetRefreshToken(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "fam", got.FamilyID)
	assert.Equal(t, "YWNjZXNz", got.AccessValue)
	assert.Equal(t, int64(1702592000), got.ExpiresAt)

	next := refreshRow("u1", "fam", "n1")
	newID, err := s.ReplaceRefreshToken(ctx, id, next)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	_, err = s.GetRefreshToken(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err = s.GetRefreshToken(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.Nonce)

	other, err := s.InsertRefreshToken(ctx, refreshRow("u1", "other", ""))
	require.NoError(t, err)

	deleted, err := s.DeleteRefreshFamily(ctx, "fam")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = s.GetRefreshToken(ctx, newID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, other)
	assert.NoError(t, err, "other families are untouched")

	// deleting an absent family or row is not an error
	deleted, err = s.DeleteRefreshFamily(ctx, "fam")
	require.NoError(t, err)
	assert.Zero(t, deleted)
	require.NoError(t, s.DeleteRefreshToken(ctx, other))
	require.NoError(t, s.DeleteRefreshToken(ctx, other))
}

func testReplaceMissing(t *testing.T, s Durable) {
	ctx := context.Background()

	_, err := s.ReplaceRefreshToken(ctx, 424242, refreshRow("u1", "fam", "n"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// nothing was inserted: a fresh insert gets a row, and the family has no
	// member other than it
	id, err := s.InsertRefreshToken(ctx, refreshRow("u1", "fam", ""))
	require.NoError(t, err)
	require.NoError(t, s.DeleteRefreshToken(ctx, id))
}

func testConcurrentReplace(t *testing.T, s Durable) {
	ctx := context.Background()

	id, err := s.InsertRefreshToken(ctx, refreshRow("u1", "fam", ""))
	require.NoError(t, err)

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   []int64
		others []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newID, err := s.ReplaceRefreshToken(ctx, id, refreshRow("u1", "fam", "n"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, newID)
			case !errors.Is(err, storage.ErrNotFound):
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, others)
	require.Len(t, wins, 1, "exactly one rotation may succeed")
	_, err = s.GetRefreshToken(ctx, wins[0])
	assert.NoError(t, err)
}

func testDeleteUserTokens(t *testing.T, s Durable) {
	ctx := context.Background()

	a, err := s.InsertRefreshToken(ctx, refreshRow("alice", "f1", ""))
	require.NoError(t, err)
	b, err := s.InsertRefreshToken(ctx, refreshRow("alice", "f2", ""))
	require.NoError(t, err)
	c, err := s.InsertRefreshToken(ctx, refreshRow("bob", "f3", ""))
	require.NoError(t, err)

	require.NoError(t, s.DeleteUserRefreshTokens(ctx, "alice"))

	for _, id := range []int64{a, b} {
		_, err := s.GetRefreshToken(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	_, err = s.GetRefreshToken(ctx, c)
	assert.NoError(t, err)
}

func testUsers(t *testing.T, s Durable) {
	ctx := context.Background()

	_, err := s.GetUserByID(ctx, "1_alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	user := &storage.User{ID: "1_alice", Email: "Alice@Example.org", Scope: "member", RegisterID: "reg-secret"}
	info := &storage.IdentityInfo{Email: "alice@example.org", GivenName: "Alice", Birthdate: "2000-01-01"}
	require.NoError(t, s.PutUser(ctx, user, info))

	got, err := s.GetUserByEmail(ctx, "ALICE@example.org")
	require.NoError(t, err)
	assert.Equal(t, "1_alice", got.ID)
	assert.Equal(t, "alice@example.org", got.Email)
	assert.Empty(t, got.PasswordFile)
	assert.Equal(t, "reg-secret", got.RegisterID)

	require.NoError(t, s.UpdatePasswordFile(ctx, "1_alice", "cGFzc3dvcmQ"))
	got, err = s.GetUserByID(ctx, "1_alice")
	require.NoError(t, err)
	assert.Equal(t, "cGFzc3dvcmQ", got.PasswordFile)
	assert.Equal(t, "member", got.Scope)

	gotInfo, err := s.GetIdentityInfo(ctx, "1_alice")
	require.NoError(t, err)
	assert.Equal(t, *info, *gotInfo)

	assert.ErrorIs(t, s.UpdatePasswordFile(ctx, "1_nobody", "x"), storage.ErrNotFound)
	_, err = s.GetIdentityInfo(ctx, "1_nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.PutUser(ctx, &storage.User{ID: "2_mallory", Email: "alice@example.org"}, nil)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func testKeyMaterial(t *testing.T, s Durable) {
	ctx := context.Background()

	_, err := s.GetKeySet(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateKeySet(ctx, "blob"), storage.ErrNotFound)

	require.NoError(t, s.InsertKeySet(ctx, "blob-1"))
	assert.ErrorIs(t, s.InsertKeySet(ctx, "blob-2"), storage.ErrAlreadyExists)
	require.NoError(t, s.UpdateKeySet(ctx, "blob-3"))
	blob, err := s.GetKeySet(ctx)
	require.NoError(t, err)
	assert.Equal(t, "blob-3", blob)

	require.NoError(t, s.InsertKey(ctx, storage.KeyInfo{KID: "a", IssuedAt: 1, Use: storage.KeyUseEncryption}))
	require.NoError(t, s.InsertKey(ctx, storage.KeyInfo{KID: "b", IssuedAt: 2, Use: storage.KeyUseSigning}))
	assert.ErrorIs(t, s.InsertKey(ctx, storage.KeyInfo{KID: "a", IssuedAt: 3, Use: storage.KeyUseEncryption}), storage.ErrAlreadyExists)

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.KeyInfo{
		{KID: "a", IssuedAt: 1, Use: storage.KeyUseEncryption},
		{KID: "b", IssuedAt: 2, Use: storage.KeyUseSigning},
	}, keys)

	_, err = s.GetOpaqueSetup(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, s.InsertOpaqueSetup(ctx, "setup"))
	assert.ErrorIs(t, s.InsertOpaqueSetup(ctx, "again"), storage.ErrAlreadyExists)
	setup, err := s.GetOpaqueSetup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "setup", setup)
}
