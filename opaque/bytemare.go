package opaque

import (
	"encoding/json"
	"fmt"

	bmopaque "github.com/bytemare/opaque"
)

// Bytemare implements Server with github.com/bytemare/opaque.
// A new protocol server is created for every call, so Bytemare is safe for
// concurrent use.
type Bytemare struct {
	conf  *bmopaque.Configuration
	setup *Setup
}

var _ Server = (*Bytemare)(nil)

// NewBytemare creates a server over the given key material.
func NewBytemare(setup *Setup) (*Bytemare, error) {
	if setup == nil {
		return nil, fmt.Errorf("opaque setup is required")
	}
	b := &Bytemare{conf: bmopaque.DefaultConfiguration(), setup: setup}
	if _, err := b.server(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bytemare) server() (*bmopaque.Server, error) {
	srv, err := b.conf.Server()
	if err != nil {
		return nil, fmt.Errorf("creating opaque server: %w", err)
	}
	if err := srv.SetKeyMaterial(nil, b.setup.SecretKey, b.setup.PublicKey, b.setup.OPRFSeed); err != nil {
		return nil, fmt.Errorf("setting opaque key material: %w", err)
	}
	return srv, nil
}

// RegisterInit answers a registration request.
func (b *Bytemare) RegisterInit(userID, request string) (string, error) {
	raw, err := decode(request)
	if err != nil {
		return "", err
	}
	srv, err := b.server()
	if err != nil {
		return "", err
	}
	req, err := srv.Deserialize.RegistrationRequest(raw)
	if err != nil {
		return "", ErrInvalidMessage
	}
	pk, err := srv.Deserialize.DecodeAkePublicKey(b.setup.PublicKey)
	if err != nil {
		return "", fmt.Errorf("decoding server public key: %w", err)
	}
	resp := srv.RegistrationResponse(req, pk, []byte(userID), b.setup.OPRFSeed)
	return encode(resp.Serialize()), nil
}

// RegisterFinish validates a registration record.
func (b *Bytemare) RegisterFinish(record string) (string, error) {
	raw, err := decode(record)
	if err != nil {
		return "", err
	}
	srv, err := b.server()
	if err != nil {
		return "", err
	}
	if _, err := srv.Deserialize.RegistrationRecord(raw); err != nil {
		return "", ErrInvalidMessage
	}
	return record, nil
}

// loginState is what survives between LoginInit and LoginFinish.
type loginState struct {
	AKE []byte `json:"ake"`
}

// LoginInit answers KE1.
func (b *Bytemare) LoginInit(userID, passwordFile, ke1 string) (string, []byte, error) {
	rawKE1, err := decode(ke1)
	if err != nil {
		return "", nil, err
	}
	rawRecord, err := decode(passwordFile)
	if err != nil {
		return "", nil, fmt.Errorf("password file: %w", err)
	}
	srv, err := b.server()
	if err != nil {
		return "", nil, err
	}

	msg, err := srv.Deserialize.KE1(rawKE1)
	if err != nil {
		return "", nil, ErrInvalidMessage
	}
	record, err := srv.Deserialize.RegistrationRecord(rawRecord)
	if err != nil {
		return "", nil, fmt.Errorf("password file: %w", ErrInvalidMessage)
	}

	ke2, err := srv.LoginInit(msg, &bmopaque.ClientRecord{
		RegistrationRecord:   record,
		CredentialIdentifier: []byte(userID),
	})
	if err != nil {
		return "", nil, fmt.Errorf("opaque login init: %w", err)
	}

	state, err := json.Marshal(loginState{AKE: srv.SerializeState()})
	if err != nil {
		return "", nil, fmt.Errorf("encoding login state: %w", err)
	}
	return encode(ke2.Serialize()), state, nil
}

// LoginFinish verifies KE3 and returns the session key.
func (b *Bytemare) LoginFinish(state []byte, ke3 string) (string, error) {
	rawKE3, err := decode(ke3)
	if err != nil {
		return "", err
	}
	var ls loginState
	if err := json.Unmarshal(state, &ls); err != nil || len(ls.AKE) == 0 {
		return "", fmt.Errorf("login state: %w", ErrInvalidMessage)
	}
	srv, err := b.server()
	if err != nil {
		return "", err
	}
	if err := srv.SetAKEState(ls.AKE); err != nil {
		return "", fmt.Errorf("login state: %w", ErrInvalidMessage)
	}

	msg, err := srv.Deserialize.KE3(rawKE3)
	if err != nil {
		return "", ErrInvalidMessage
	}
	if err := srv.LoginFinish(msg); err != nil {
		return "", ErrAuthentication
	}
	return encode(srv.SessionKey()), nil
}
