package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "dodeka:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength bounds identifiers used inside keys
	MaxIDLength = 256

	// MaxValueSize bounds serialized values (64KB)
	MaxValueSize = 64 * 1024

	storageType = "valkey"
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "dodeka:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// DisableCache turns off client side caching. Servers without RESP3
	// (and miniredis) need this.
	DisableCache bool

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Instrumentation is optional
	Instrumentation *instrumentation.Instrumentation
}

// Store is a Valkey-backed implementation of the transient storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	observer *storage.Observer
}

var (
	_ storage.FlowStore = (*Store)(nil)
	_ storage.KeyCache  = (*Store)(nil)
	_ storage.LockStore = (*Store)(nil)
)

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress:  []string{cfg.Address},
		SelectDB:     cfg.DB,
		Password:     cfg.Password,
		TLSConfig:    cfg.TLS,
		DisableCache: cfg.DisableCache,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		observer: storage.NewObserver(storageType, cfg.Instrumentation),
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) flowKey(flowID string) string { return s.prefix + "flow:" + flowID }
func (s *Store) loginKey(authID string) string { return s.prefix + "login:" + authID }
func (s *Store) codeKey(sessionKey string) string { return s.prefix + "code:" + sessionKey }
func (s *Store) registerKey(authID string) string { return s.prefix + "register:" + authID }
func (s *Store) cacheKey(kid string) string { return s.prefix + "key:" + kid }
func (s *Store) startupLockKey() string { return s.prefix + "startup_lock" }

func validateID(value, field string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if len(value) > MaxIDLength {
		return fmt.Errorf("%w: %s", errInputTooLarge, field)
	}
	return nil
}

// setJSON stores v as JSON under key with a TTL.
func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if len(data) > MaxValueSize {
		return errInputTooLarge
	}
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
}

// getJSON reads key into v, deleting it when pop is set. A missing key
// yields storage.ErrNotFound.
func (s *Store) getJSON(ctx context.Context, key string, pop bool, v any) error {
	var cmd valkeygo.Completed
	if pop {
		cmd = s.client.B().Getdel().Key(key).Build()
	} else {
		cmd = s.client.B().Get().Key(key).Build()
	}

	data, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to read value: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return nil
}

func (s *Store) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return s.observer.Do(ctx, operation, fn)
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
