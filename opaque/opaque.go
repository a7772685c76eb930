package opaque

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	bmopaque "github.com/bytemare/opaque"
)

var (
	// ErrInvalidMessage is returned when a protocol message cannot be decoded.
	ErrInvalidMessage = errors.New("opaque: invalid message")

	// ErrAuthentication is returned when the client's final login message does
	// not authenticate, which is what a wrong password looks like.
	ErrAuthentication = errors.New("opaque: authentication failed")
)

// Server is the server half of the OPAQUE protocol.
type Server interface {
	// RegisterInit answers a client registration request for userID.
	RegisterInit(userID, request string) (response string, err error)

	// RegisterFinish checks the client's registration record and returns it
	// as the password file to persist.
	RegisterFinish(record string) (passwordFile string, err error)

	// LoginInit answers KE1 for the given user and password file. The
	// returned state must be handed to LoginFinish.
	LoginInit(userID, passwordFile, ke1 string) (ke2 string, state []byte, err error)

	// LoginFinish verifies KE3 against state and returns the session key.
	LoginFinish(state []byte, ke3 string) (sessionKey string, err error)
}

// Setup is the long-term server key material: the AKE key pair and the OPRF seed.
type Setup struct {
	SecretKey []byte `json:"sk"`
	PublicKey []byte `json:"pk"`
	OPRFSeed  []byte `json:"seed"`
}

// NewSetup generates fresh server key material with the default configuration.
func NewSetup() *Setup {
	conf := bmopaque.DefaultConfiguration()
	sk, pk := conf.KeyGen()
	return &Setup{
		SecretKey: sk,
		PublicKey: pk,
		OPRFSeed:  conf.GenerateOPRFSeed(),
	}
}

// Encode serializes the setup for storage.
func (s *Setup) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding opaque setup: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeSetup parses a setup produced by Encode.
func DecodeSetup(encoded string) (*Setup, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding opaque setup: %w", err)
	}
	var s Setup
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding opaque setup: %w", err)
	}
	if len(s.SecretKey) == 0 || len(s.PublicKey) == 0 || len(s.OPRFSeed) == 0 {
		return nil, fmt.Errorf("decoding opaque setup: missing key material")
	}
	return &s, nil
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, ErrInvalidMessage
	}
	return b, nil
}
