package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/opaque"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// StartLogin answers the first OPAQUE login message for email.
//
// Unknown and unregistered accounts are answered with the decoy record, so
// neither the response nor the work done reveals whether the email exists.
func (s *Server) StartLogin(ctx context.Context, email, clientRequest string) (serverMessage, authID string, err error) {
	ctx, span := s.startSpan(ctx, "StartLogin")
	defer func() { s.endSpan(span, err) }()

	email = strings.ToLower(email)

	// Load the decoy first so that known and unknown users do the same lookups.
	decoy, err := s.userStore.GetUserByID(ctx, storage.FakeRecordUserID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load decoy record: %w", err)
	}
	userID, scope, passwordFile := decoy.ID, decoy.Scope, decoy.PasswordFile

	user, err := s.userStore.GetUserByEmail(ctx, email)
	switch {
	case err == nil && user.PasswordFile != "":
		userID, scope, passwordFile = user.ID, user.Scope, user.PasswordFile
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return "", "", fmt.Errorf("failed to load user: %w", err)
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrLoginKnownUser, userID != decoy.ID))

	serverMessage, state, err := s.opaque.LoginInit(userID, passwordFile, clientRequest)
	if err != nil {
		if errors.Is(err, opaque.ErrInvalidMessage) {
			return "", "", ErrInvalidRequest("Invalid login request message.")
		}
		return "", "", fmt.Errorf("opaque login init failed: %w", err)
	}

	authID = generateRandomToken()
	loginState := &storage.LoginState{
		UserID:      userID,
		UserEmail:   email,
		Scope:       scope,
		ServerState: state,
	}
	if err := s.flowStore.SaveLoginState(ctx, authID, loginState); err != nil {
		return "", "", fmt.Errorf("failed to save login state: %w", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordLoginStarted(ctx)
	}
	s.Auditor.LogLoginStarted(userID)

	return serverMessage, authID, nil
}

// FinishLogin verifies the final OPAQUE login message. On success the
// authenticated user is stored under the session key, which the client then
// uses as its authorization code.
func (s *Server) FinishLogin(ctx context.Context, authID, email, clientRequest, flowID string) (err error) {
	ctx, span := s.startSpan(ctx, "FinishLogin")
	defer func() {
		s.endSpan(span, err)
		if m := s.metrics(); m != nil {
			m.RecordLoginFinished(ctx, err == nil)
		}
	}()

	state, err := s.flowStore.PopLoginState(ctx, authID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("Login not initialized or expired").WithDebugKey(DebugKeyNoLoginStart)
		}
		return fmt.Errorf("failed to load login state: %w", err)
	}

	if !strings.EqualFold(state.UserEmail, email) {
		s.Auditor.LogLoginFailed(state.UserID, "email_mismatch")
		return ErrInvalidRequest("Incorrect username for this login!")
	}

	sessionKey, err := s.opaque.LoginFinish(state.ServerState, clientRequest)
	if err != nil {
		s.Auditor.LogLoginFailed(state.UserID, "opaque_finish_failed")
		if errors.Is(err, opaque.ErrAuthentication) || errors.Is(err, opaque.ErrInvalidMessage) {
			return ErrInvalidRequest("Invalid login.").WithDebugKey(DebugKeyInvalidLogin)
		}
		return fmt.Errorf("opaque login finish failed: %w", err)
	}

	flowUser := &storage.FlowUser{
		UserID:   state.UserID,
		Scope:    state.Scope,
		FlowID:   flowID,
		AuthTime: s.unixNow(),
	}
	if err := s.flowStore.SaveFlowUser(ctx, sessionKey, flowUser); err != nil {
		return fmt.Errorf("failed to save flow user: %w", err)
	}

	s.Auditor.LogLoginSucceeded(state.UserID)
	return nil
}
