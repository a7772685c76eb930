package opaque

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*Bytemare, *Setup) {
	t.Helper()
	setup := NewSetup()
	srv, err := NewBytemare(setup)
	require.NoError(t, err)
	return srv, setup
}

func login(t *testing.T, srv Server, userID, file, password string) (clientKey, serverKey string, err error) {
	t.Helper()
	c, err := NewClient()
	require.NoError(t, err)

	ke2, state, err := srv.LoginInit(userID, file, c.LoginInit(password))
	require.NoError(t, err)

	ke3, clientKey, err := c.LoginFinish(ke2)
	if err != nil {
		return "", "", err
	}
	serverKey, err = srv.LoginFinish(state, ke3)
	return clientKey, serverKey, err
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _ := newServer(t)

	file, err := Register(srv, "1_alice", "correct horse")
	require.NoError(t, err)
	require.NotEmpty(t, file)

	clientKey, serverKey, err := login(t, srv, "1_alice", file, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, clientKey, serverKey)
	assert.NotEmpty(t, serverKey)

	// every login derives a fresh session key
	_, again, err := login(t, srv, "1_alice", file, "correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, serverKey, again)
}

func TestLogin_WrongPassword(t *testing.T) {
	srv, _ := newServer(t)
	file, err := Register(srv, "1_alice", "correct horse")
	require.NoError(t, err)

	_, _, err = login(t, srv, "1_alice", file, "battery staple")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestLogin_WrongCredentialIdentifier(t *testing.T) {
	srv, _ := newServer(t)
	file, err := Register(srv, "1_alice", "pw")
	require.NoError(t, err)

	_, _, err = login(t, srv, "2_bob", file, "pw")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestLogin_FinishOnAnotherInstance(t *testing.T) {
	first, setup := newServer(t)
	file, err := Register(first, "1_alice", "pw")
	require.NoError(t, err)

	encoded, err := setup.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSetup(encoded)
	require.NoError(t, err)
	second, err := NewBytemare(decoded)
	require.NoError(t, err)

	c, err := NewClient()
	require.NoError(t, err)
	ke2, state, err := first.LoginInit("1_alice", file, c.LoginInit("pw"))
	require.NoError(t, err)
	ke3, clientKey, err := c.LoginFinish(ke2)
	require.NoError(t, err)

	serverKey, err := second.LoginFinish(state, ke3)
	require.NoError(t, err)
	assert.Equal(t, clientKey, serverKey)
}

func TestInvalidMessages(t *testing.T) {
	srv, _ := newServer(t)
	file, err := Register(srv, "1_alice", "pw")
	require.NoError(t, err)

	_, err = srv.RegisterInit("1_alice", "")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = srv.RegisterInit("1_alice", "not base64!")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = srv.RegisterFinish("AAAA")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, _, err = srv.LoginInit("1_alice", file, "AAAA")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = srv.LoginFinish([]byte("{}"), "AAAA")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeSetup(t *testing.T) {
	_, err := DecodeSetup("!!")
	assert.Error(t, err)
	_, err = DecodeSetup("e30") // {}
	assert.Error(t, err)
	_, err = NewBytemare(nil)
	assert.Error(t, err)
}
