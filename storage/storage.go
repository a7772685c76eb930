// Package storage defines the interfaces for persisting authorization flow
// state, refresh tokens, users and key material.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	// Callers must not distinguish "expired" from "never existed".
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when an insert collides with an existing record.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Time-to-live values for transient flow state.
const (
	AuthRequestTTL   = 1000 * time.Second
	LoginStateTTL    = 60 * time.Second
	FlowUserTTL      = 60 * time.Second
	RegisterStateTTL = 1000 * time.Second
	StartupLockTTL   = 25 * time.Second
)

// FlowStore holds short-lived protocol state in a TTL-capable key/value store.
// Pop operations read and delete atomically so that every artifact is single-use.
// All methods return ErrNotFound for missing or expired entries.
type FlowStore interface {
	// SaveAuthRequest stores an authorization request under its flow id.
	SaveAuthRequest(ctx context.Context, flowID string, req *AuthRequest) error

	// GetAuthRequest reads an authorization request without consuming it.
	GetAuthRequest(ctx context.Context, flowID string) (*AuthRequest, error)

	// SaveLoginState stores the OPAQUE login state under the auth id.
	SaveLoginState(ctx context.Context, authID string, state *LoginState) error

	// PopLoginState returns and removes the login state.
	PopLoginState(ctx context.Context, authID string) (*LoginState, error)

	// SaveFlowUser stores the authenticated user under the login session key.
	SaveFlowUser(ctx context.Context, sessionKey string, user *FlowUser) error

	// PopFlowUser returns and removes the flow user. The session key acts as
	// the authorization code.
	PopFlowUser(ctx context.Context, sessionKey string) (*FlowUser, error)

	// SaveRegisterState stores the OPAQUE registration state under the auth id.
	SaveRegisterState(ctx context.Context, authID string, state *RegisterState) error

	// PopRegisterState returns and removes the registration state.
	PopRegisterState(ctx context.Context, authID string) (*RegisterState, error)
}

// KeyCache holds decrypted key material for per-request retrieval.
// Values are opaque to the store.
type KeyCache interface {
	PutKey(ctx context.Context, kid string, value []byte) error
	GetKey(ctx context.Context, kid string) ([]byte, error)
}

// LockStore provides the startup advisory lock shared by all server processes.
type LockStore interface {
	// TryStartupLock sets the lock only if no lock key exists and reports
	// whether it did.
	TryStartupLock(ctx context.Context) (bool, error)

	// StartupLockState reports whether the lock key exists and, if so, whether
	// it is held. exists is false when no process has set it within its TTL.
	StartupLockState(ctx context.Context) (exists, locked bool, err error)

	// SetStartupLock writes the lock with StartupLockTTL. locked=false marks it
	// released while keeping the key alive, so late starters know they are not first.
	SetStartupLock(ctx context.Context, locked bool) error
}

// TokenStore persists refresh tokens. A family has at most one live row.
type TokenStore interface {
	// InsertRefreshToken inserts a new row and returns its id.
	InsertRefreshToken(ctx context.Context, token *SavedRefreshToken) (int64, error)

	// GetRefreshToken returns the row with the given id.
	GetRefreshToken(ctx context.Context, id int64) (*SavedRefreshToken, error)

	// ReplaceRefreshToken deletes oldID and inserts token in one transaction and
	// returns the new id. Returns ErrNotFound, without inserting, when oldID is
	// already gone so that concurrent rotations of one member cannot both succeed.
	ReplaceRefreshToken(ctx context.Context, oldID int64, token *SavedRefreshToken) (int64, error)

	// DeleteRefreshFamily deletes every row of the family and returns how many
	// rows were deleted. Deleting an absent family is not an error.
	DeleteRefreshFamily(ctx context.Context, familyID string) (int64, error)

	// DeleteRefreshToken deletes a single row.
	DeleteRefreshToken(ctx context.Context, id int64) error

	// DeleteUserRefreshTokens deletes every row owned by the user.
	DeleteUserRefreshTokens(ctx context.Context, userID string) error
}

// UserStore exposes the identity records the core needs.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdatePasswordFile(ctx context.Context, userID, passwordFile string) error
	GetIdentityInfo(ctx context.Context, userID string) (*IdentityInfo, error)

	// PutUser inserts or replaces a user together with its identity claims.
	// It is used by provisioning and administrative commands.
	PutUser(ctx context.Context, user *User, info *IdentityInfo) error
}

// KeyStore persists the encrypted key set, the key metadata rows and the
// OPAQUE server setup.
type KeyStore interface {
	GetKeySet(ctx context.Context) (string, error)
	InsertKeySet(ctx context.Context, encrypted string) error
	UpdateKeySet(ctx context.Context, encrypted string) error

	ListKeys(ctx context.Context) ([]KeyInfo, error)
	InsertKey(ctx context.Context, key KeyInfo) error

	GetOpaqueSetup(ctx context.Context) (string, error)
	InsertOpaqueSetup(ctx context.Context, setup string) error
}

// AuthRequest is a validated OAuth 2.1 authorization request.
type AuthRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce"`
}

// LoginState is kept between the two OPAQUE login messages.
type LoginState struct {
	UserID      string `json:"user_id"`
	UserEmail   string `json:"user_email"`
	Scope       string `json:"scope"`
	ServerState []byte `json:"state"`
}

// FlowUser is the result of a finished login, waiting to be exchanged for tokens.
type FlowUser struct {
	UserID   string `json:"user_id"`
	Scope    string `json:"scope"`
	FlowID   string `json:"flow_id"`
	AuthTime int64  `json:"auth_time"`
}

// RegisterState is kept between the two OPAQUE registration messages.
type RegisterState struct {
	UserID string `json:"user_id"`
}

// SavedRefreshToken is the durable half of a refresh token.
// AccessValue and IDTokenValue are base64url JSON snapshots of the token claims.
type SavedRefreshToken struct {
	ID           int64
	UserID       string
	FamilyID     string
	AccessValue  string
	IDTokenValue string
	IssuedAt     int64
	ExpiresAt    int64
	Nonce        string
}

// User is an identity record.
type User struct {
	ID           string
	Email        string
	PasswordFile string
	Scope        string

	// RegisterID is the secret handed to the user to set a first password.
	// Empty means the user cannot register.
	RegisterID string
}

// IdentityInfo holds the user claims embedded in ID tokens.
type IdentityInfo struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	Nickname          string `json:"nickname"`
	PreferredUsername string `json:"preferred_username"`
	Birthdate         string `json:"birthdate"`
}

// Key uses as stored on key metadata rows.
const (
	KeyUseSigning    = "sig"
	KeyUseEncryption = "enc"
)

// KeyInfo is the metadata row of one key in the key set.
type KeyInfo struct {
	KID      string
	IssuedAt int64
	Use      string
}

// FakeRecordUserID is the decoy user whose password file stands in for
// unknown or unregistered accounts during login.
const FakeRecordUserID = "1_fakerecord"
