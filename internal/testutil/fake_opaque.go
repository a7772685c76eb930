package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dsav-dodeka/dodeka-oauth/opaque"
)

// FakeOPAQUE is a deterministic stand-in for the OPAQUE server. It keeps the
// message flow and failure modes of the real protocol but no cryptography:
// a password file is "file:<user>:<password>" and the client proves the
// password by sending it back in KE3.
type FakeOPAQUE struct {
	logins atomic.Int64
}

var _ opaque.Server = (*FakeOPAQUE)(nil)

type fakeState struct {
	UserID       string `json:"user_id"`
	PasswordFile string `json:"file"`
	KE2          string `json:"ke2"`
}

// FakePasswordFile returns the password file FakeOPAQUE accepts for password.
func FakePasswordFile(userID, password string) string {
	return "file:" + userID + ":" + password
}

// FakeKE1 returns a KE1 message for password.
func FakeKE1(password string) string {
	return "ke1:" + password
}

// FakeKE3 returns the KE3 message a client holding password would send.
func FakeKE3(password string) string {
	return "ke3:" + password
}

// FakeSessionKey returns the session key both sides derive from a KE2
// message. It is the authorization code after a finished login.
func FakeSessionKey(ke2 string) string {
	sum := sha256.Sum256([]byte(ke2))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// FakeRegistrationRequest returns a registration request for password.
func FakeRegistrationRequest(password string) string {
	return "regreq:" + password
}

// FakeRegistrationRecord answers a RegisterInit response.
func FakeRegistrationRecord(response string) string {
	// response is "regresp:<user>:<password>"
	return "record:" + strings.TrimPrefix(response, "regresp:")
}

func (f *FakeOPAQUE) RegisterInit(userID, request string) (string, error) {
	password, ok := strings.CutPrefix(request, "regreq:")
	if !ok {
		return "", opaque.ErrInvalidMessage
	}
	return "regresp:" + userID + ":" + password, nil
}

func (f *FakeOPAQUE) RegisterFinish(record string) (string, error) {
	rest, ok := strings.CutPrefix(record, "record:")
	if !ok {
		return "", opaque.ErrInvalidMessage
	}
	return "file:" + rest, nil
}

func (f *FakeOPAQUE) LoginInit(userID, passwordFile, ke1 string) (string, []byte, error) {
	if !strings.HasPrefix(ke1, "ke1:") {
		return "", nil, opaque.ErrInvalidMessage
	}
	if !strings.HasPrefix(passwordFile, "file:") {
		return "", nil, opaque.ErrInvalidMessage
	}
	// the response shape never depends on the record
	ke2 := "ke2:" + strconv.FormatInt(f.logins.Add(1), 10) + ":" + base64.RawURLEncoding.EncodeToString([]byte(ke1))
	state, err := json.Marshal(fakeState{UserID: userID, PasswordFile: passwordFile, KE2: ke2})
	if err != nil {
		return "", nil, err
	}
	return ke2, state, nil
}

func (f *FakeOPAQUE) LoginFinish(state []byte, ke3 string) (string, error) {
	var st fakeState
	if err := json.Unmarshal(state, &st); err != nil {
		return "", opaque.ErrInvalidMessage
	}
	password, ok := strings.CutPrefix(ke3, "ke3:")
	if !ok {
		return "", opaque.ErrInvalidMessage
	}
	if FakePasswordFile(st.UserID, password) != st.PasswordFile {
		return "", opaque.ErrAuthentication
	}
	return FakeSessionKey(st.KE2), nil
}
