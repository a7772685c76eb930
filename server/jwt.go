package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/dsav-dodeka/dodeka-oauth/keys"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// claims is a token payload before the time claims are added.
type claims map[string]any

func (s *Server) accessCore(userID, scope string) claims {
	return claims{
		"sub":   userID,
		"iss":   s.Config.Issuer,
		"aud":   []string{s.Config.FrontendClientID, s.Config.BackendClientID},
		"scope": scope,
	}
}

func (s *Server) idCore(userID string, authTime int64, nonce string, info *storage.IdentityInfo) (claims, error) {
	core := claims{}
	if info != nil {
		raw, err := json.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("failed to encode identity info: %w", err)
		}
		if core, err = decodeClaimsJSON(raw); err != nil {
			return nil, err
		}
	}
	core["sub"] = userID
	core["iss"] = s.Config.Issuer
	core["aud"] = []string{s.Config.FrontendClientID}
	core["auth_time"] = authTime
	core["nonce"] = nonce
	return core, nil
}

// encodeClaims stores a core as base64url JSON.
func encodeClaims(c claims) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeClaims reverses encodeClaims. Numbers stay json.Number so that
// integer claims survive the round trip exactly.
func decodeClaims(encoded string) (claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}
	return decodeClaimsJSON(raw)
}

func decodeClaimsJSON(raw []byte) (claims, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var c claims
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("failed to decode claims: not an object")
	}
	return c, nil
}

// signClaims adds iat and exp to a copy of core and signs it as a compact JWS.
func signClaims(key keys.SigningKey, core claims, now, lifetime int64) (string, error) {
	payload := make(claims, len(core)+2)
	for k, v := range core {
		payload[k] = v
	}
	payload["iat"] = now
	payload["exp"] = now + lifetime

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.EdDSA,
			Key:       jose.JSONWebKey{Key: key.PrivateKey, KeyID: key.KID, Algorithm: keys.AlgSigning},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	token, err := jwt.Signed(signer).Claims(map[string]any(payload)).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// AccessClaims are the verified claims of an access token.
type AccessClaims struct {
	jwt.Claims
	Scope string `json:"scope"`
}

// ErrInvalidAccessToken is returned by VerifyAccessToken for any token that
// is malformed, signed by an unknown key, expired or meant for someone else.
var ErrInvalidAccessToken = errors.New("invalid access token")

// VerifyAccessToken checks an access token against the published signing
// keys, the issuer and the backend audience.
func (s *Server) VerifyAccessToken(_ context.Context, token string) (*AccessClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil || len(parsed.Headers) != 1 {
		return nil, ErrInvalidAccessToken
	}

	jwks := s.keys.PublicKeys()
	candidates := jwks.Key(parsed.Headers[0].KeyID)
	if len(candidates) == 0 {
		return nil, ErrInvalidAccessToken
	}

	var out AccessClaims
	if err := parsed.Claims(candidates[0].Key, &out); err != nil {
		return nil, ErrInvalidAccessToken
	}

	expected := jwt.Expected{
		Issuer:      s.Config.Issuer,
		AnyAudience: jwt.Audience{s.Config.BackendClientID},
		Time:        time.Unix(s.unixNow(), 0),
	}
	if err := out.ValidateWithLeeway(expected, 0); err != nil {
		return nil, ErrInvalidAccessToken
	}
	return &out, nil
}
