package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/dsav-dodeka/dodeka-oauth/security"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// ErrKeysNotProvisioned means the key set or a selected key is missing.
// It is a configuration error, not a per-request one.
var ErrKeysNotProvisioned = errors.New("keys: not provisioned")

const (
	// AlgSigning is the JWS algorithm of signing keys.
	AlgSigning = "EdDSA"

	// AlgSymmetric is the algorithm of refresh token keys.
	AlgSymmetric = "A256GCM"
)

// SigningKey is an Ed25519 private key with its kid.
type SigningKey struct {
	KID        string
	PrivateKey ed25519.PrivateKey
}

// Keys are the keys in use for one request.
type Keys struct {
	Signing SigningKey

	// Symmetric encrypts new refresh tokens.
	Symmetric *security.Encryptor

	// OldSymmetric only decrypts refresh tokens issued before the last rotation.
	OldSymmetric *security.Encryptor
}

// selection holds the kids chosen by the last Load.
type selection struct {
	signing      string
	symmetric    string
	oldSymmetric string
}

// Manager loads, selects, rotates and hands out keys.
type Manager struct {
	store   storage.KeyStore
	cache   storage.KeyCache
	runtime *security.Encryptor
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	selected *selection
	public   jose.JSONWebKeySet
}

// NewManager creates a key manager. secret is the deployment secret from
// which the runtime key is derived.
func NewManager(store storage.KeyStore, cache storage.KeyCache, secret string, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("key cache is required")
	}
	runtimeKey, err := security.DeriveRuntimeKey(secret)
	if err != nil {
		return nil, err
	}
	runtime, err := security.NewEncryptor("runtime", runtimeKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		cache:   cache,
		runtime: runtime,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source used for key issue times.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) decryptSet(encrypted string) (*jose.JSONWebKeySet, error) {
	raw, err := m.runtime.DecryptString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypting key set: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decoding key set: %w", err)
	}
	return &set, nil
}

func (m *Manager) encryptSet(set *jose.JSONWebKeySet) (string, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encoding key set: %w", err)
	}
	return m.runtime.EncryptToString(raw)
}

// Load reads the key set, writes it back under a fresh nonce, selects the
// keys in use and fills the cache.
func (m *Manager) Load(ctx context.Context) error {
	encrypted, err := m.store.GetKeySet(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: no key set stored", ErrKeysNotProvisioned)
	}
	if err != nil {
		return fmt.Errorf("loading key set: %w", err)
	}
	set, err := m.decryptSet(encrypted)
	if err != nil {
		return err
	}

	reencrypted, err := m.encryptSet(set)
	if err != nil {
		return err
	}
	if err := m.store.UpdateKeySet(ctx, reencrypted); err != nil {
		return fmt.Errorf("writing back key set: %w", err)
	}

	rows, err := m.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	sel, err := selectKeys(rows)
	if err != nil {
		return err
	}

	byKID := make(map[string]jose.JSONWebKey, len(set.Keys))
	var public jose.JSONWebKeySet
	for _, k := range set.Keys {
		byKID[k.KeyID] = k
		if k.Use == storage.KeyUseSigning {
			public.Keys = append(public.Keys, k.Public())
		}
	}

	for _, kid := range []string{sel.signing, sel.symmetric, sel.oldSymmetric} {
		jwk, ok := byKID[kid]
		if !ok {
			return fmt.Errorf("%w: key %q has a row but no key material", ErrKeysNotProvisioned, kid)
		}
		if err := m.cacheKey(ctx, jwk); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.selected = sel
	m.public = public
	m.mu.Unlock()

	m.logger.Info("Loaded keys",
		"signing_kid", sel.signing,
		"symmetric_kid", sel.symmetric,
		"old_symmetric_kid", sel.oldSymmetric)
	return nil
}

// selectKeys picks the newest signing key and the two newest symmetric keys.
// Equal issue times are ordered by kid, descending.
func selectKeys(rows []storage.KeyInfo) (*selection, error) {
	sorted := slices.Clone(rows)
	slices.SortFunc(sorted, func(a, b storage.KeyInfo) int {
		if a.IssuedAt != b.IssuedAt {
			if a.IssuedAt > b.IssuedAt {
				return -1
			}
			return 1
		}
		return -strings.Compare(a.KID, b.KID)
	})

	var sig, enc []string
	for _, r := range sorted {
		switch r.Use {
		case storage.KeyUseSigning:
			sig = append(sig, r.KID)
		case storage.KeyUseEncryption:
			enc = append(enc, r.KID)
		}
	}
	if len(sig) < 1 || len(enc) < 2 {
		return nil, fmt.Errorf("%w: need one signing and two symmetric keys, have %d and %d",
			ErrKeysNotProvisioned, len(sig), len(enc))
	}
	return &selection{signing: sig[0], symmetric: enc[0], oldSymmetric: enc[1]}, nil
}

func (m *Manager) cacheKey(ctx context.Context, jwk jose.JSONWebKey) error {
	raw, err := json.Marshal(jwk)
	if err != nil {
		return fmt.Errorf("encoding key %q: %w", jwk.KeyID, err)
	}
	sealed, err := m.runtime.Seal(raw)
	if err != nil {
		return err
	}
	if err := m.cache.PutKey(ctx, jwk.KeyID, sealed); err != nil {
		return fmt.Errorf("caching key %q: %w", jwk.KeyID, err)
	}
	return nil
}

func (m *Manager) cachedKey(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	sealed, err := m.cache.GetKey(ctx, kid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: key %q not in cache", ErrKeysNotProvisioned, kid)
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached key %q: %w", kid, err)
	}
	raw, err := m.runtime.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: cached key %q: %v", ErrKeysNotProvisioned, kid, err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("decoding cached key %q: %w", kid, err)
	}
	return &jwk, nil
}

// Get returns the keys selected by the last Load.
func (m *Manager) Get(ctx context.Context) (*Keys, error) {
	m.mu.RLock()
	sel := m.selected
	m.mu.RUnlock()
	if sel == nil {
		return nil, fmt.Errorf("%w: keys not loaded", ErrKeysNotProvisioned)
	}

	sigJWK, err := m.cachedKey(ctx, sel.signing)
	if err != nil {
		return nil, err
	}
	priv, ok := sigJWK.Key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key %q is not an Ed25519 private key", ErrKeysNotProvisioned, sel.signing)
	}

	current, err := m.symmetric(ctx, sel.symmetric)
	if err != nil {
		return nil, err
	}
	old, err := m.symmetric(ctx, sel.oldSymmetric)
	if err != nil {
		return nil, err
	}

	return &Keys{
		Signing:      SigningKey{KID: sel.signing, PrivateKey: priv},
		Symmetric:    current,
		OldSymmetric: old,
	}, nil
}

func (m *Manager) symmetric(ctx context.Context, kid string) (*security.Encryptor, error) {
	jwk, err := m.cachedKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	key, ok := jwk.Key.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: key %q is not a symmetric key", ErrKeysNotProvisioned, kid)
	}
	return security.NewEncryptor(kid, key)
}

// PublicKeys returns the public halves of all signing keys in the set, as
// of the last Load.
func (m *Manager) PublicKeys() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: slices.Clone(m.public.Keys)}
}

func newKID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func newKey(use string) (jose.JSONWebKey, error) {
	switch use {
	case storage.KeyUseSigning:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return jose.JSONWebKey{}, fmt.Errorf("generating signing key: %w", err)
		}
		return jose.JSONWebKey{Key: priv, KeyID: newKID(), Algorithm: AlgSigning, Use: use}, nil
	case storage.KeyUseEncryption:
		key, err := security.GenerateKey()
		if err != nil {
			return jose.JSONWebKey{}, err
		}
		return jose.JSONWebKey{Key: key, KeyID: newKID(), Algorithm: AlgSymmetric, Use: use}, nil
	default:
		return jose.JSONWebKey{}, fmt.Errorf("unknown key use %q", use)
	}
}

// Provision creates the first key set: two symmetric keys issued one second
// apart and one signing key. It returns storage.ErrAlreadyExists when a key
// set is already stored.
func (m *Manager) Provision(ctx context.Context) error {
	now := m.now().Unix()

	var set jose.JSONWebKeySet
	var rows []storage.KeyInfo
	for i, use := range []string{storage.KeyUseEncryption, storage.KeyUseEncryption, storage.KeyUseSigning} {
		jwk, err := newKey(use)
		if err != nil {
			return err
		}
		set.Keys = append(set.Keys, jwk)

		iat := now
		if i == 1 {
			iat = now + 1
		}
		rows = append(rows, storage.KeyInfo{KID: jwk.KeyID, IssuedAt: iat, Use: use})
	}

	encrypted, err := m.encryptSet(&set)
	if err != nil {
		return err
	}
	if err := m.store.InsertKeySet(ctx, encrypted); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("storing key set: %w", err)
	}
	for _, row := range rows {
		if err := m.store.InsertKey(ctx, row); err != nil {
			return fmt.Errorf("storing key row: %w", err)
		}
	}

	m.logger.Info("Provisioned key set", "keys", len(rows))
	return nil
}

// Rotate adds a new key of the given use, issued now, and returns its kid.
// It takes effect on the next Load.
func (m *Manager) Rotate(ctx context.Context, use string) (string, error) {
	jwk, err := newKey(use)
	if err != nil {
		return "", err
	}

	encrypted, err := m.store.GetKeySet(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: no key set stored", ErrKeysNotProvisioned)
	}
	if err != nil {
		return "", fmt.Errorf("loading key set: %w", err)
	}
	set, err := m.decryptSet(encrypted)
	if err != nil {
		return "", err
	}
	set.Keys = append(set.Keys, jwk)

	updated, err := m.encryptSet(set)
	if err != nil {
		return "", err
	}
	if err := m.store.UpdateKeySet(ctx, updated); err != nil {
		return "", fmt.Errorf("writing key set: %w", err)
	}
	if err := m.store.InsertKey(ctx, storage.KeyInfo{KID: jwk.KeyID, IssuedAt: m.now().Unix(), Use: use}); err != nil {
		return "", fmt.Errorf("storing key row: %w", err)
	}

	m.logger.Info("Rotated key", "use", use, "kid", jwk.KeyID)
	return jwk.KeyID, nil
}
