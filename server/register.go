package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/dsav-dodeka/dodeka-oauth/opaque"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// errBadRegistration is returned for every refused registration so that the
// response does not reveal whether the user exists or is registered.
func errBadRegistration() *Error {
	return ErrInvalidRequest("Bad registration.").WithDebugKey(DebugKeyBadRegistration)
}

// canRegister reports whether user may set a first password. The decoy and
// users that already have a password file never can.
func canRegister(user *storage.User) bool {
	return user.ID != storage.FakeRecordUserID && user.PasswordFile == "" && user.RegisterID != ""
}

// StartRegister answers the first OPAQUE registration message for userID
// and keeps the user id under a new auth id until the record arrives.
// registerID must match the secret issued to the user.
func (s *Server) StartRegister(ctx context.Context, userID, registerID, clientRequest string) (serverMessage, authID string, err error) {
	ctx, span := s.startSpan(ctx, "StartRegister")
	defer func() { s.endSpan(span, err) }()

	user, err := s.userStore.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", errBadRegistration()
		}
		return "", "", fmt.Errorf("failed to load user: %w", err)
	}
	if !canRegister(user) || subtle.ConstantTimeCompare([]byte(registerID), []byte(user.RegisterID)) != 1 {
		s.Logger.Debug("Registration refused", "user_id", userID)
		return "", "", errBadRegistration()
	}

	serverMessage, err = s.opaque.RegisterInit(userID, clientRequest)
	if err != nil {
		if errors.Is(err, opaque.ErrInvalidMessage) {
			return "", "", ErrInvalidRequest("Invalid registration request message.")
		}
		return "", "", fmt.Errorf("opaque register init failed: %w", err)
	}

	authID = generateRandomToken()
	if err := s.flowStore.SaveRegisterState(ctx, authID, &storage.RegisterState{UserID: userID}); err != nil {
		return "", "", fmt.Errorf("failed to save register state: %w", err)
	}

	s.Logger.Debug("Stored register start", "user_id", userID)
	return serverMessage, authID, nil
}

// FinishRegister turns the client's registration record into the password
// file to store against the user.
func (s *Server) FinishRegister(clientRequest string) (string, error) {
	passwordFile, err := s.opaque.RegisterFinish(clientRequest)
	if err != nil {
		if errors.Is(err, opaque.ErrInvalidMessage) {
			return "", ErrInvalidRequest("Invalid registration record.")
		}
		return "", fmt.Errorf("opaque register finish failed: %w", err)
	}
	return passwordFile, nil
}

// CompleteRegistration finishes a registration started with StartRegister:
// it checks that email belongs to the registering user and that the user is
// still unregistered, then stores the new password file.
func (s *Server) CompleteRegistration(ctx context.Context, authID, email, clientRequest string) (err error) {
	ctx, span := s.startSpan(ctx, "CompleteRegistration")
	defer func() { s.endSpan(span, err) }()

	state, err := s.flowStore.PopRegisterState(ctx, authID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("Registration not initialized or expired").WithDebugKey(DebugKeyNoRegisterStart)
		}
		return fmt.Errorf("failed to load register state: %w", err)
	}

	user, err := s.userStore.GetUserByID(ctx, state.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("Unknown user for this registration!")
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	if !strings.EqualFold(user.Email, email) {
		return ErrInvalidRequest("Incorrect email for this registration!")
	}
	if !canRegister(user) {
		return errBadRegistration()
	}

	passwordFile, err := s.FinishRegister(clientRequest)
	if err != nil {
		return err
	}
	if err := s.userStore.UpdatePasswordFile(ctx, user.ID, passwordFile); err != nil {
		return fmt.Errorf("failed to update password file: %w", err)
	}
	s.Auditor.LogPasswordChanged(user.ID)

	if m := s.metrics(); m != nil {
		m.RecordPasswordRegistered(ctx)
	}
	return nil
}

// ChangePassword replaces the user's password file and deletes all of the
// user's refresh tokens.
func (s *Server) ChangePassword(ctx context.Context, userID, passwordFile string) error {
	if err := s.userStore.UpdatePasswordFile(ctx, userID, passwordFile); err != nil {
		return fmt.Errorf("failed to update password file: %w", err)
	}
	if err := s.tokenStore.DeleteUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	s.Auditor.LogPasswordChanged(userID)
	s.Auditor.LogUserTokensRevoked(userID, "password_changed")
	return nil
}

// IssueRegisterID gives an unregistered user a new registration secret and
// returns it. Any previously issued secret stops working.
func (s *Server) IssueRegisterID(ctx context.Context, userID string) (string, error) {
	user, err := s.userStore.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	if user.ID == storage.FakeRecordUserID || user.PasswordFile != "" {
		return "", fmt.Errorf("user %s is already registered", userID)
	}
	info, err := s.userStore.GetIdentityInfo(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load identity: %w", err)
	}

	user.RegisterID = generateRandomToken()
	if err := s.userStore.PutUser(ctx, user, info); err != nil {
		return "", fmt.Errorf("failed to save register id: %w", err)
	}
	s.Logger.Info("Issued register id", "user_id", userID)
	return user.RegisterID, nil
}
