package opaque

import (
	"fmt"

	bmopaque "github.com/bytemare/opaque"
)

// Client is the client half of one OPAQUE exchange. It is used by the
// set-password command and by tests; browsers run their own client.
// A Client must not be reused across exchanges.
type Client struct {
	client *bmopaque.Client
}

// NewClient creates a client with the default configuration.
func NewClient() (*Client, error) {
	c, err := bmopaque.DefaultConfiguration().Client()
	if err != nil {
		return nil, fmt.Errorf("creating opaque client: %w", err)
	}
	return &Client{client: c}, nil
}

// RegisterInit starts registration of password.
func (c *Client) RegisterInit(password string) string {
	return encode(c.client.RegistrationInit([]byte(password)).Serialize())
}

// RegisterFinish answers the server's registration response with the record
// the server will store.
func (c *Client) RegisterFinish(response string) (string, error) {
	raw, err := decode(response)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Deserialize.RegistrationResponse(raw)
	if err != nil {
		return "", ErrInvalidMessage
	}
	record, _ := c.client.RegistrationFinalize(resp)
	return encode(record.Serialize()), nil
}

// LoginInit starts a login with password and returns KE1.
func (c *Client) LoginInit(password string) string {
	return encode(c.client.LoginInit([]byte(password)).Serialize())
}

// LoginFinish answers KE2 with KE3 and returns the session key the server
// will also derive.
func (c *Client) LoginFinish(ke2 string) (ke3, sessionKey string, err error) {
	raw, err := decode(ke2)
	if err != nil {
		return "", "", err
	}
	msg, err := c.client.Deserialize.KE2(raw)
	if err != nil {
		return "", "", ErrInvalidMessage
	}
	out, _, err := c.client.LoginFinish(msg)
	if err != nil {
		return "", "", ErrAuthentication
	}
	return encode(out.Serialize()), encode(c.client.SessionKey()), nil
}

// Register runs both halves of a registration locally and returns the
// password file for userID.
func Register(srv Server, userID, password string) (string, error) {
	c, err := NewClient()
	if err != nil {
		return "", err
	}
	resp, err := srv.RegisterInit(userID, c.RegisterInit(password))
	if err != nil {
		return "", fmt.Errorf("registration init: %w", err)
	}
	record, err := c.RegisterFinish(resp)
	if err != nil {
		return "", fmt.Errorf("registration finalize: %w", err)
	}
	return srv.RegisterFinish(record)
}
