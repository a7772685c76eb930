package valkey

import (
	"context"
	"fmt"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

const (
	lockValueLocked   = "locked"
	lockValueUnlocked = "not locked"
)

// PutKey caches a key entry under its kid. Entries do not expire; they are
// overwritten on every key load.
func (s *Store) PutKey(ctx context.Context, kid string, value []byte) error {
	if err := validateID(kid, "kid"); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return errInputTooLarge
	}
	return s.observe(ctx, "put_key", func(ctx context.Context) error {
		cmd := s.client.B().Set().Key(s.cacheKey(kid)).Value(string(value)).Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return fmt.Errorf("failed to cache key: %w", err)
		}
		return nil
	})
}

// GetKey returns a cached key entry.
func (s *Store) GetKey(ctx context.Context, kid string) ([]byte, error) {
	var out []byte
	err := s.observe(ctx, "get_key", func(ctx context.Context) error {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(s.cacheKey(kid)).Build()).AsBytes()
		if err != nil {
			if isNilError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to get cached key: %w", err)
		}
		out = data
		return nil
	})
	return out, err
}

// TryStartupLock sets a held lock with SET NX.
func (s *Store) TryStartupLock(ctx context.Context) (bool, error) {
	cmd := s.client.B().Set().Key(s.startupLockKey()).Value(lockValueLocked).Nx().Ex(storage.StartupLockTTL).Build()
	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to set startup lock: %w", err)
	}
	return true, nil
}

// StartupLockState reports whether the lock key is alive and held.
func (s *Store) StartupLockState(ctx context.Context) (bool, bool, error) {
	value, err := s.client.Do(ctx, s.client.B().Get().Key(s.startupLockKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to read startup lock: %w", err)
	}
	return true, value == lockValueLocked, nil
}

// SetStartupLock writes the lock value with a fresh TTL.
func (s *Store) SetStartupLock(ctx context.Context, locked bool) error {
	value := lockValueUnlocked
	if locked {
		value = lockValueLocked
	}
	cmd := s.client.B().Set().Key(s.startupLockKey()).Value(value).Ex(storage.StartupLockTTL).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to write startup lock: %w", err)
	}
	return nil
}
