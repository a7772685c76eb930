package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

const (
	storageType = "postgres"

	uniqueViolation = "23505"
)

// Config holds configuration for the PostgreSQL backend.
type Config struct {
	// DSN is a libpq style connection string or URL (required)
	DSN string

	// SkipMigrations leaves the schema untouched
	SkipMigrations bool

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store implements storage.TokenStore, storage.UserStore and storage.KeyStore.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	observer *storage.Observer
}

var (
	_ storage.TokenStore = (*Store)(nil)
	_ storage.UserStore  = (*Store)(nil)
	_ storage.KeyStore   = (*Store)(nil)
)

// New connects to PostgreSQL and applies the embedded migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if !cfg.SkipMigrations {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Info("Connected to PostgreSQL storage")
	return &Store{
		pool:     pool,
		logger:   logger,
		observer: storage.NewObserver(storageType, cfg.Instrumentation),
	}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFoundOr(err error, format string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf(format+": %w", err)
}

// InsertRefreshToken inserts a new row and returns its id.
func (s *Store) InsertRefreshToken(ctx context.Context, token *storage.SavedRefreshToken) (int64, error) {
	var id int64
	err := s.observer.Do(ctx, "insert_refresh_token", func(ctx context.Context) error {
		var err error
		id, err = insertRefresh(ctx, s.pool, token)
		return err
	})
	return id, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRefresh(ctx context.Context, q querier, t *storage.SavedRefreshToken) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO refresh_tokens (user_id, family_id, access_value, id_token_value, iat, exp, nonce)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.UserID, t.FamilyID, t.AccessValue, t.IDTokenValue, t.IssuedAt, t.ExpiresAt, t.Nonce,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting refresh token: %w", err)
	}
	return id, nil
}

// GetRefreshToken returns the row with the given id.
func (s *Store) GetRefreshToken(ctx context.Context, id int64) (*storage.SavedRefreshToken, error) {
	var t storage.SavedRefreshToken
	err := s.observer.Do(ctx, "get_refresh_token", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`SELECT id, user_id, family_id, access_value, id_token_value, iat, exp, nonce
			 FROM refresh_tokens WHERE id = $1`, id,
		).Scan(&t.ID, &t.UserID, &t.FamilyID, &t.AccessValue, &t.IDTokenValue, &t.IssuedAt, &t.ExpiresAt, &t.Nonce)
		if err != nil {
			return notFoundOr(err, "getting refresh token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ReplaceRefreshToken deletes oldID and inserts token in one transaction.
func (s *Store) ReplaceRefreshToken(ctx context.Context, oldID int64, token *storage.SavedRefreshToken) (int64, error) {
	var id int64
	err := s.observer.Do(ctx, "replace_refresh_token", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, oldID)
		if err != nil {
			return fmt.Errorf("deleting refresh token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}

		if id, err = insertRefresh(ctx, tx, token); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing refresh rotation: %w", err)
		}
		return nil
	})
	return id, err
}

func (s *Store) exec(ctx context.Context, operation, sql string, args ...any) error {
	return s.observer.Do(ctx, operation, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("%s: %w", strings.ReplaceAll(operation, "_", " "), err)
		}
		return nil
	})
}

// DeleteRefreshFamily deletes every row of the family.
func (s *Store) DeleteRefreshFamily(ctx context.Context, familyID string) (int64, error) {
	var deleted int64
	err := s.observer.Do(ctx, "delete_refresh_family", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE family_id = $1`, familyID)
		if err != nil {
			return fmt.Errorf("delete refresh family: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// DeleteRefreshToken deletes a single row.
func (s *Store) DeleteRefreshToken(ctx context.Context, id int64) error {
	return s.exec(ctx, "delete_refresh_token", `DELETE FROM refresh_tokens WHERE id = $1`, id)
}

// DeleteUserRefreshTokens deletes every row owned by the user.
func (s *Store) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	return s.exec(ctx, "delete_user_refresh_tokens", `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
}

func (s *Store) getUser(ctx context.Context, operation, where string, arg any) (*storage.User, error) {
	var u storage.User
	err := s.observer.Do(ctx, operation, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`SELECT id, email, password_file, scope, register_id FROM users WHERE `+where, arg,
		).Scan(&u.ID, &u.Email, &u.PasswordFile, &u.Scope, &u.RegisterID)
		if err != nil {
			return notFoundOr(err, "getting user")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by id.
func (s *Store) GetUserByID(ctx context.Context, userID string) (*storage.User, error) {
	return s.getUser(ctx, "get_user", "id = $1", userID)
}

// GetUserByEmail returns a user by email. Emails are stored lowercased.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.getUser(ctx, "get_user_by_email", "email = $1", strings.ToLower(email))
}

// UpdatePasswordFile sets the OPAQUE password file of a user.
func (s *Store) UpdatePasswordFile(ctx context.Context, userID, passwordFile string) error {
	return s.observer.Do(ctx, "update_password_file", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `UPDATE users SET password_file = $2 WHERE id = $1`, userID, passwordFile)
		if err != nil {
			return fmt.Errorf("updating password file: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// GetIdentityInfo returns the ID token claims of a user.
func (s *Store) GetIdentityInfo(ctx context.Context, userID string) (*storage.IdentityInfo, error) {
	var info storage.IdentityInfo
	err := s.observer.Do(ctx, "get_identity_info", func(ctx context.Context) error {
		var raw []byte
		if err := s.pool.QueryRow(ctx, `SELECT identity FROM users WHERE id = $1`, userID).Scan(&raw); err != nil {
			return notFoundOr(err, "getting identity info")
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("decoding identity info: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(ctx context.Context, user *storage.User, info *storage.IdentityInfo) error {
	if user.ID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if info == nil {
		info = &storage.IdentityInfo{}
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding identity info: %w", err)
	}
	return s.observer.Do(ctx, "put_user", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO users (id, email, password_file, scope, register_id, identity)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			 ON CONFLICT (id) DO UPDATE SET
			   email = EXCLUDED.email,
			   password_file = EXCLUDED.password_file,
			   scope = EXCLUDED.scope,
			   register_id = EXCLUDED.register_id,
			   identity = EXCLUDED.identity`,
			user.ID, strings.ToLower(user.Email), user.PasswordFile, user.Scope, user.RegisterID, string(raw))
		if isUniqueViolation(err) {
			return fmt.Errorf("email of user %q: %w", user.ID, storage.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("putting user: %w", err)
		}
		return nil
	})
}

// GetKeySet returns the encrypted key set.
func (s *Store) GetKeySet(ctx context.Context) (string, error) {
	var out string
	err := s.observer.Do(ctx, "get_key_set", func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, `SELECT encrypted FROM key_set WHERE id = 1`).Scan(&out); err != nil {
			return notFoundOr(err, "getting key set")
		}
		return nil
	})
	return out, err
}

// InsertKeySet stores the encrypted key set if none exists.
func (s *Store) InsertKeySet(ctx context.Context, encrypted string) error {
	return s.observer.Do(ctx, "insert_key_set", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `INSERT INTO key_set (id, encrypted) VALUES (1, $1)`, encrypted)
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("inserting key set: %w", err)
		}
		return nil
	})
}

// UpdateKeySet replaces the encrypted key set.
func (s *Store) UpdateKeySet(ctx context.Context, encrypted string) error {
	return s.observer.Do(ctx, "update_key_set", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `UPDATE key_set SET encrypted = $1 WHERE id = 1`, encrypted)
		if err != nil {
			return fmt.Errorf("updating key set: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// ListKeys returns the key metadata rows.
func (s *Store) ListKeys(ctx context.Context) ([]storage.KeyInfo, error) {
	var out []storage.KeyInfo
	err := s.observer.Do(ctx, "list_keys", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT kid, iat, key_use FROM keys`)
		if err != nil {
			return fmt.Errorf("listing keys: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.KeyInfo, error) {
			var k storage.KeyInfo
			err := row.Scan(&k.KID, &k.IssuedAt, &k.Use)
			return k, err
		})
		if err != nil {
			return fmt.Errorf("scanning keys: %w", err)
		}
		return nil
	})
	return out, err
}

// InsertKey adds a key metadata row.
func (s *Store) InsertKey(ctx context.Context, key storage.KeyInfo) error {
	return s.observer.Do(ctx, "insert_key", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `INSERT INTO keys (kid, iat, key_use) VALUES ($1, $2, $3)`, key.KID, key.IssuedAt, key.Use)
		if isUniqueViolation(err) {
			return fmt.Errorf("key %q: %w", key.KID, storage.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("inserting key: %w", err)
		}
		return nil
	})
}

// GetOpaqueSetup returns the serialized OPAQUE server setup.
func (s *Store) GetOpaqueSetup(ctx context.Context) (string, error) {
	var out string
	err := s.observer.Do(ctx, "get_opaque_setup", func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, `SELECT value FROM opaque_setup WHERE id = 1`).Scan(&out); err != nil {
			return notFoundOr(err, "getting opaque setup")
		}
		return nil
	})
	return out, err
}

// InsertOpaqueSetup stores the OPAQUE server setup if none exists.
func (s *Store) InsertOpaqueSetup(ctx context.Context, setup string) error {
	return s.observer.Do(ctx, "insert_opaque_setup", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `INSERT INTO opaque_setup (id, value) VALUES (1, $1)`, setup)
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("inserting opaque setup: %w", err)
		}
		return nil
	})
}
