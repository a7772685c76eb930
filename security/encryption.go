package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// runtimeKeyInfo binds keys derived from the deployment secret to their purpose.
const runtimeKeyInfo = "dodeka-oauth/key-set"

// ErrDecrypt is returned for any ciphertext that cannot be opened.
// It deliberately does not say whether the key, the nonce or the encoding was wrong.
var ErrDecrypt = errors.New("security: decryption failed")

// Encryptor seals data with AES-256-GCM under a single key.
// The sealed format is [nonce (12 bytes)][ciphertext+tag].
type Encryptor struct {
	kid  string
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor for the given key id and 32-byte key.
func NewEncryptor(kid string, key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{kid: kid, aead: gcm}, nil
}

// KID returns the key id of the encryptor's key.
func (e *Encryptor) KID() string {
	return e.kid
}

// Seal encrypts plaintext with a fresh random nonce.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce slice, producing [nonce][ciphertext].
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize+e.aead.Overhead() {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptToString seals plaintext and encodes it as unpadded base64url.
func (e *Encryptor) EncryptToString(plaintext []byte) (string, error) {
	sealed, err := e.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptString decodes unpadded base64url and opens the result.
func (e *Encryptor) DecryptString(encoded string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	return e.Open(sealed)
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64url encoded 32-byte key, padded or not.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key as unpadded base64url
func KeyToBase64(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DeriveRuntimeKey turns the deployment secret into the key that protects the
// stored key set. A secret that is itself a base64url 32-byte key is used as is;
// anything else is stretched with HKDF-SHA256.
func DeriveRuntimeKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("deployment secret is required")
	}
	if key, err := KeyFromBase64(secret); err == nil {
		return key, nil
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(runtimeKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive runtime key: %w", err)
	}
	return key, nil
}
