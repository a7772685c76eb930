package memory

import (
	"context"
	"time"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

func put[T any](s *Store, m map[string]entry[T], key string, v T, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[key] = entry[T]{value: v, expiresAt: s.now().Add(ttl)}
	s.syncCountsLocked()
}

func get[T any](s *Store, m map[string]entry[T], key string, remove bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	e, ok := m[key]
	if !ok {
		return zero, false
	}
	if e.expired(s.now()) {
		delete(m, key)
		s.syncCountsLocked()
		return zero, false
	}
	if remove {
		delete(m, key)
		s.syncCountsLocked()
	}
	return e.value, true
}

// SaveAuthRequest stores an authorization request under its flow id.
func (s *Store) SaveAuthRequest(ctx context.Context, flowID string, req *storage.AuthRequest) error {
	return s.observe(ctx, "save_auth_request", func(context.Context) error {
		put(s, s.authRequests, flowID, *req, storage.AuthRequestTTL)
		return nil
	})
}

// GetAuthRequest reads an authorization request without consuming it.
func (s *Store) GetAuthRequest(ctx context.Context, flowID string) (*storage.AuthRequest, error) {
	var out *storage.AuthRequest
	err := s.observe(ctx, "get_auth_request", func(context.Context) error {
		v, ok := get(s, s.authRequests, flowID, false)
		if !ok {
			return notFound("auth request", flowID)
		}
		out = &v
		return nil
	})
	return out, err
}

// SaveLoginState stores the OPAQUE login state under the auth id.
func (s *Store) SaveLoginState(ctx context.Context, authID string, state *storage.LoginState) error {
	return s.observe(ctx, "save_login_state", func(context.Context) error {
		v := *state
		v.ServerState = append([]byte(nil), state.ServerState...)
		put(s, s.loginStates, authID, v, storage.LoginStateTTL)
		return nil
	})
}

// PopLoginState returns and removes the login state.
func (s *Store) PopLoginState(ctx context.Context, authID string) (*storage.LoginState, error) {
	var out *storage.LoginState
	err := s.observe(ctx, "pop_login_state", func(context.Context) error {
		v, ok := get(s, s.loginStates, authID, true)
		if !ok {
			return notFound("login state", authID)
		}
		out = &v
		return nil
	})
	return out, err
}

// SaveFlowUser stores the authenticated user under the login session key.
func (s *Store) SaveFlowUser(ctx context.Context, sessionKey string, user *storage.FlowUser) error {
	return s.observe(ctx, "save_flow_user", func(context.Context) error {
		put(s, s.flowUsers, sessionKey, *user, storage.FlowUserTTL)
		return nil
	})
}

// PopFlowUser returns and removes the flow user.
func (s *Store) PopFlowUser(ctx context.Context, sessionKey string) (*storage.FlowUser, error) {
	var out *storage.FlowUser
	err := s.observe(ctx, "pop_flow_user", func(context.Context) error {
		v, ok := get(s, s.flowUsers, sessionKey, true)
		if !ok {
			return notFound("flow user", "")
		}
		out = &v
		return nil
	})
	return out, err
}

// SaveRegisterState stores the OPAQUE registration state under the auth id.
func (s *Store) SaveRegisterState(ctx context.Context, authID string, state *storage.RegisterState) error {
	return s.observe(ctx, "save_register_state", func(context.Context) error {
		put(s, s.registerStates, authID, *state, storage.RegisterStateTTL)
		return nil
	})
}

// PopRegisterState returns and removes the registration state.
func (s *Store) PopRegisterState(ctx context.Context, authID string) (*storage.RegisterState, error) {
	var out *storage.RegisterState
	err := s.observe(ctx, "pop_register_state", func(context.Context) error {
		v, ok := get(s, s.registerStates, authID, true)
		if !ok {
			return notFound("register state", authID)
		}
		out = &v
		return nil
	})
	return out, err
}

// PutKey caches a key entry under its kid.
func (s *Store) PutKey(ctx context.Context, kid string, value []byte) error {
	return s.observe(ctx, "put_key", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.keyCache[kid] = append([]byte(nil), value...)
		return nil
	})
}

// GetKey returns a cached key entry.
func (s *Store) GetKey(ctx context.Context, kid string) ([]byte, error) {
	var out []byte
	err := s.observe(ctx, "get_key", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		v, ok := s.keyCache[kid]
		if !ok {
			return notFound("key", kid)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// TryStartupLock sets a held lock if no lock key is alive.
func (s *Store) TryStartupLock(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.startupLock != nil && !s.startupLock.expired(now) {
		return false, nil
	}
	s.startupLock = &entry[bool]{value: true, expiresAt: now.Add(storage.StartupLockTTL)}
	return true, nil
}

// StartupLockState reports whether the lock key is alive and held.
func (s *Store) StartupLockState(_ context.Context) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startupLock == nil || s.startupLock.expired(s.now()) {
		return false, false, nil
	}
	return true, s.startupLock.value, nil
}

// SetStartupLock writes the lock value with a fresh TTL.
func (s *Store) SetStartupLock(_ context.Context, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startupLock = &entry[bool]{value: locked, expiresAt: s.now().Add(storage.StartupLockTTL)}
	return nil
}
