package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/internal/util"
	"github.com/dsav-dodeka/dodeka-oauth/keys"
	"github.com/dsav-dodeka/dodeka-oauth/security"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// refreshPayload is the sealed content of a refresh token.
type refreshPayload struct {
	ID       int64  `json:"id"`
	FamilyID string `json:"family_id"`
	Nonce    string `json:"nonce"`
}

// errInvalidRefresh is the only refresh failure clients ever see.
func errInvalidRefresh() *Error {
	return ErrInvalidGrant("Invalid refresh_token!").WithDebugKey(DebugKeyInvalidRefresh)
}

// randomURLSafe returns n random bytes as unpadded base64url.
func randomURLSafe(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b) // never fails since Go 1.24
	return base64.RawURLEncoding.EncodeToString(b)
}

func sealRefresh(k *keys.Keys, p refreshPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode refresh token: %w", err)
	}
	token, err := k.Symmetric.EncryptToString(raw)
	if err != nil {
		return "", fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return token, nil
}

// openRefresh decrypts a refresh token with the current key and, failing
// that, with the previous key. Every failure is security.ErrDecrypt.
func openRefresh(k *keys.Keys, token string) (p refreshPayload, usedOldKey bool, err error) {
	raw, err := k.Symmetric.DecryptString(token)
	if err != nil {
		if k.OldSymmetric == nil {
			return p, false, security.ErrDecrypt
		}
		raw, err = k.OldSymmetric.DecryptString(token)
		if err != nil {
			return p, false, security.ErrDecrypt
		}
		usedOldKey = true
	}

	if err := json.Unmarshal(raw, &p); err != nil || p.FamilyID == "" {
		return refreshPayload{}, false, security.ErrDecrypt
	}
	return p, usedOldKey, nil
}

// DoRefresh rotates a refresh token: the presented member of the family is
// replaced by a new one and a fresh set of tokens is returned.
//
// A token whose row is gone was already rotated, so presenting it means the
// family leaked. The whole family is revoked.
func (s *Server) DoRefresh(ctx context.Context, refreshToken string) (resp *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "DoRefresh")
	defer func() { s.endSpan(span, err) }()

	k, err := s.keys.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}

	p, usedOldKey, err := openRefresh(k, refreshToken)
	if err != nil {
		return nil, errInvalidRefresh()
	}
	instrumentation.AddTokenFamilyAttributes(span, p.FamilyID, usedOldKey)
	if usedOldKey {
		if m := s.metrics(); m != nil {
			m.RecordOldKeyDecryption(ctx)
		}
	}

	saved, err := s.tokenStore.GetRefreshToken(ctx, p.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if err := s.revokeReplayedFamily(ctx, p.FamilyID); err != nil {
				return nil, err
			}
			return nil, errInvalidRefresh()
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	now := s.unixNow()
	if err := s.verifyRefresh(p, saved, now); err != nil {
		s.Logger.Debug("Refresh token rejected", "reason", err.Error())
		return nil, errInvalidRefresh()
	}

	access, err := decodeClaims(saved.AccessValue)
	if err != nil {
		return nil, fmt.Errorf("stored access claims: %w", err)
	}
	id, err := decodeClaims(saved.IDTokenValue)
	if err != nil {
		return nil, fmt.Errorf("stored id token claims: %w", err)
	}
	userID, _ := id["sub"].(string)

	next := &storage.SavedRefreshToken{
		UserID:       userID,
		FamilyID:     saved.FamilyID,
		AccessValue:  saved.AccessValue,
		IDTokenValue: saved.IDTokenValue,
		IssuedAt:     now,
		ExpiresAt:    saved.ExpiresAt,
		Nonce:        randomURLSafe(16),
	}
	next.ID, err = s.tokenStore.ReplaceRefreshToken(ctx, saved.ID, next)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Another request rotated this member first: the token was presented twice.
			if err := s.revokeReplayedFamily(ctx, p.FamilyID); err != nil {
				return nil, err
			}
			return nil, errInvalidRefresh()
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	resp, err = s.finishTokens(k, access, id, next, now)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, usedOldKey)
	}
	s.Auditor.LogTokenRefreshed(userID, usedOldKey)
	return resp, nil
}

// verifyRefresh checks the decrypted token against its stored row.
func (s *Server) verifyRefresh(p refreshPayload, saved *storage.SavedRefreshToken, now int64) error {
	nonceOK := subtle.ConstantTimeCompare([]byte(p.Nonce), []byte(saved.Nonce)) == 1
	familyOK := subtle.ConstantTimeCompare([]byte(p.FamilyID), []byte(saved.FamilyID)) == 1
	if !nonceOK || !familyOK {
		return fmt.Errorf("nonce or family mismatch")
	}
	if !security.PlausibleIssuedAt(now, saved.IssuedAt) {
		return fmt.Errorf("implausible issue time %d", saved.IssuedAt)
	}
	if !security.WithinGrace(now, saved.ExpiresAt, s.Config.GracePeriod) {
		return fmt.Errorf("expired at %d", saved.ExpiresAt)
	}
	return nil
}

// revokeReplayedFamily deletes the family of a token whose row is gone. It is
// only counted as reuse when live members remained. An empty family was
// revoked earlier, for instance by a password change.
func (s *Server) revokeReplayedFamily(ctx context.Context, familyID string) error {
	deleted, err := s.tokenStore.DeleteRefreshFamily(ctx, familyID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token family: %w", err)
	}
	if deleted == 0 {
		s.Logger.Debug("Refresh token of revoked family presented",
			"family_id", util.SafeTruncate(familyID, 8))
		return nil
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
		m.RecordTokenFamilyRevoked(ctx, "reuse")
	}
	s.Auditor.LogTokenReuse(familyID)
	s.Logger.Warn("Refresh token reuse detected, family revoked",
		"family_id", util.SafeTruncate(familyID, 8))
	return nil
}

// DeleteRefresh revokes the family of refreshToken. Tokens that cannot be
// decrypted are ignored so that logging out never fails.
func (s *Server) DeleteRefresh(ctx context.Context, refreshToken string) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteRefresh")
	defer func() { s.endSpan(span, err) }()

	k, err := s.keys.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get keys: %w", err)
	}

	p, _, err := openRefresh(k, refreshToken)
	if err != nil {
		return nil
	}

	if _, err := s.tokenStore.DeleteRefreshFamily(ctx, p.FamilyID); err != nil {
		return fmt.Errorf("failed to delete refresh token family: %w", err)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenFamilyRevoked(ctx, "logout")
	}
	s.Auditor.LogFamilyRevoked(p.FamilyID, "logout")
	return nil
}
