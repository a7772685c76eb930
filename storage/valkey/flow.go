package valkey

import (
	"context"
	"fmt"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// SaveAuthRequest stores an authorization request under its flow id.
func (s *Store) SaveAuthRequest(ctx context.Context, flowID string, req *storage.AuthRequest) error {
	if err := validateID(flowID, "flow id"); err != nil {
		return err
	}
	return s.observe(ctx, "save_auth_request", func(ctx context.Context) error {
		if err := s.setJSON(ctx, s.flowKey(flowID), req, storage.AuthRequestTTL); err != nil {
			return fmt.Errorf("failed to save auth request: %w", err)
		}
		return nil
	})
}

// GetAuthRequest reads an authorization request without consuming it.
func (s *Store) GetAuthRequest(ctx context.Context, flowID string) (*storage.AuthRequest, error) {
	var req storage.AuthRequest
	err := s.observe(ctx, "get_auth_request", func(ctx context.Context) error {
		return s.getJSON(ctx, s.flowKey(flowID), false, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// SaveLoginState stores the OPAQUE login state under the auth id.
func (s *Store) SaveLoginState(ctx context.Context, authID string, state *storage.LoginState) error {
	if err := validateID(authID, "auth id"); err != nil {
		return err
	}
	return s.observe(ctx, "save_login_state", func(ctx context.Context) error {
		if err := s.setJSON(ctx, s.loginKey(authID), state, storage.LoginStateTTL); err != nil {
			return fmt.Errorf("failed to save login state: %w", err)
		}
		return nil
	})
}

// PopLoginState returns and removes the login state.
func (s *Store) PopLoginState(ctx context.Context, authID string) (*storage.LoginState, error) {
	var state storage.LoginState
	err := s.observe(ctx, "pop_login_state", func(ctx context.Context) error {
		return s.getJSON(ctx, s.loginKey(authID), true, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveFlowUser stores the authenticated user under the login session key.
func (s *Store) SaveFlowUser(ctx context.Context, sessionKey string, user *storage.FlowUser) error {
	if err := validateID(sessionKey, "session key"); err != nil {
		return err
	}
	return s.observe(ctx, "save_flow_user", func(ctx context.Context) error {
		if err := s.setJSON(ctx, s.codeKey(sessionKey), user, storage.FlowUserTTL); err != nil {
			return fmt.Errorf("failed to save flow user: %w", err)
		}
		return nil
	})
}

// PopFlowUser returns and removes the flow user.
func (s *Store) PopFlowUser(ctx context.Context, sessionKey string) (*storage.FlowUser, error) {
	var user storage.FlowUser
	err := s.observe(ctx, "pop_flow_user", func(ctx context.Context) error {
		return s.getJSON(ctx, s.codeKey(sessionKey), true, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SaveRegisterState stores the OPAQUE registration state under the auth id.
func (s *Store) SaveRegisterState(ctx context.Context, authID string, state *storage.RegisterState) error {
	if err := validateID(authID, "auth id"); err != nil {
		return err
	}
	return s.observe(ctx, "save_register_state", func(ctx context.Context) error {
		if err := s.setJSON(ctx, s.registerKey(authID), state, storage.RegisterStateTTL); err != nil {
			return fmt.Errorf("failed to save register state: %w", err)
		}
		return nil
	})
}

// PopRegisterState returns and removes the registration state.
func (s *Store) PopRegisterState(ctx context.Context, authID string) (*storage.RegisterState, error) {
	var state storage.RegisterState
	err := s.observe(ctx, "pop_register_state", func(ctx context.Context) error {
		return s.getJSON(ctx, s.registerKey(authID), true, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}
