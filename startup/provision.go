package startup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dsav-dodeka/dodeka-oauth/opaque"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// DecoyEmail is the email of the decoy record. It is not a valid address,
// so no real account can collide with it.
const DecoyEmail = "fakerecord"

// DataProvisioner creates the initial data of an empty deployment: the key
// set, the OPAQUE server setup and the decoy record used for unknown logins.
// Parts that already exist are kept, so it is safe to run again.
type DataProvisioner struct {
	// Keys creates the first key set. keys.Manager implements it.
	Keys   Provisioner
	Store  storage.KeyStore
	Users  storage.UserStore
	Logger *slog.Logger
}

var _ Provisioner = (*DataProvisioner)(nil)

func (p *DataProvisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Provision implements Provisioner
func (p *DataProvisioner) Provision(ctx context.Context) error {
	if err := p.Keys.Provision(ctx); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("provisioning keys: %w", err)
		}
		p.logger().Info("Key set already provisioned")
	}

	srv, err := p.opaqueSetup(ctx)
	if err != nil {
		return err
	}

	return p.decoy(ctx, srv)
}

// opaqueSetup stores a new OPAQUE setup unless one exists and returns the
// server for the stored setup.
func (p *DataProvisioner) opaqueSetup(ctx context.Context) (*opaque.Bytemare, error) {
	encoded, err := opaque.NewSetup().Encode()
	if err != nil {
		return nil, err
	}
	err = p.Store.InsertOpaqueSetup(ctx, encoded)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		p.logger().Info("OPAQUE setup already provisioned")
	case err != nil:
		return nil, fmt.Errorf("storing opaque setup: %w", err)
	default:
		p.logger().Info("Provisioned OPAQUE setup")
	}
	return LoadOPAQUE(ctx, p.Store)
}

// decoy creates the decoy record with the password file of a random password
// nobody knows.
func (p *DataProvisioner) decoy(ctx context.Context, srv opaque.Server) error {
	_, err := p.Users.GetUserByID(ctx, storage.FakeRecordUserID)
	if err == nil {
		p.logger().Info("Decoy record already provisioned")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading decoy record: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating decoy password: %w", err)
	}
	passwordFile, err := opaque.Register(srv, storage.FakeRecordUserID, hex.EncodeToString(secret))
	if err != nil {
		return fmt.Errorf("registering decoy record: %w", err)
	}

	user := &storage.User{
		ID:           storage.FakeRecordUserID,
		Email:        DecoyEmail,
		PasswordFile: passwordFile,
		Scope:        "none",
	}
	if err := p.Users.PutUser(ctx, user, &storage.IdentityInfo{Email: DecoyEmail}); err != nil {
		return fmt.Errorf("storing decoy record: %w", err)
	}
	p.logger().Info("Provisioned decoy record")
	return nil
}

// LoadOPAQUE builds the OPAQUE server from the stored setup.
func LoadOPAQUE(ctx context.Context, store storage.KeyStore) (*opaque.Bytemare, error) {
	encoded, err := store.GetOpaqueSetup(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading opaque setup: %w", err)
	}
	setup, err := opaque.DecodeSetup(encoded)
	if err != nil {
		return nil, err
	}
	return opaque.NewBytemare(setup)
}
