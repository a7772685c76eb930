package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

const storageType = "sqlite"

// Config holds configuration for the SQLite backend.
type Config struct {
	// Path is the database file. ":memory:" is not supported because every
	// new connection would see an empty database.
	Path string

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store implements storage.TokenStore, storage.UserStore and storage.KeyStore.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	observer *storage.Observer
}

var (
	_ storage.TokenStore = (*Store)(nil)
	_ storage.UserStore  = (*Store)(nil)
	_ storage.KeyStore   = (*Store)(nil)
)

// New opens (or creates) the database file and applies the embedded migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened SQLite storage", "path", cfg.Path)
	return &Store{
		db:       db,
		logger:   logger,
		observer: storage.NewObserver(storageType, cfg.Instrumentation),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefresh(ctx context.Context, e execer, t *storage.SavedRefreshToken) (int64, error) {
	res, err := e.ExecContext(ctx,
		`INSERT INTO refresh_tokens (user_id, family_id, access_value, id_token_value, iat, exp, nonce)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.FamilyID, t.AccessValue, t.IDTokenValue, t.IssuedAt, t.ExpiresAt, t.Nonce)
	if err != nil {
		return 0, fmt.Errorf("inserting refresh token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading refresh token id: %w", err)
	}
	return id, nil
}

// InsertRefreshToken inserts a new row and returns its id.
func (s *Store) InsertRefreshToken(ctx context.Context, token *storage.SavedRefreshToken) (int64, error) {
	var id int64
	err := s.observer.Do(ctx, "insert_refresh_token", func(ctx context.Context) error {
		var err error
		id, err = insertRefresh(ctx, s.db, token)
		return err
	})
	return id, err
}

// GetRefreshToken returns the row with the given id.
func (s *Store) GetRefreshToken(ctx context.Context, id int64) (*storage.SavedRefreshToken, error) {
	var t storage.SavedRefreshToken
	err := s.observer.Do(ctx, "get_refresh_token", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, family_id, access_value, id_token_value, iat, exp, nonce
			 FROM refresh_tokens WHERE id = ?`, id,
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
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer rollback(tx)

		res, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, oldID)
		if err != nil {
			return fmt.Errorf("deleting refresh token: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("deleting refresh token: %w", err)
		} else if n == 0 {
			return storage.ErrNotFound
		}

		if id, err = insertRefresh(ctx, tx, token); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing refresh rotation: %w", err)
		}
		return nil
	})
	return id, err
}

func (s *Store) exec(ctx context.Context, operation, query string, args ...any) error {
	return s.observer.Do(ctx, operation, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("%s: %w", strings.ReplaceAll(operation, "_", " "), err)
		}
		return nil
	})
}

// DeleteRefreshFamily deletes every row of the family.
func (s *Store) DeleteRefreshFamily(ctx context.Context, familyID string) (int64, error) {
	var deleted int64
	err := s.observer.Do(ctx, "delete_refresh_family", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE family_id = ?`, familyID)
		if err != nil {
			return fmt.Errorf("delete refresh family: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// DeleteRefreshToken deletes a single row.
func (s *Store) DeleteRefreshToken(ctx context.Context, id int64) error {
	return s.exec(ctx, "delete_refresh_token", `DELETE FROM refresh_tokens WHERE id = ?`, id)
}

// DeleteUserRefreshTokens deletes every row owned by the user.
func (s *Store) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	return s.exec(ctx, "delete_user_refresh_tokens", `DELETE FROM refresh_tokens WHERE user_id = ?`, userID)
}

func (s *Store) getUser(ctx context.Context, operation, column, value string) (*storage.User, error) {
	var u storage.User
	err := s.observer.Do(ctx, operation, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx,
			`SELECT id, email, password_file, scope, register_id FROM users WHERE `+column+` = ?`, value,
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
	return s.getUser(ctx, "get_user", "id", userID)
}

// GetUserByEmail returns a user by email. Emails are stored lowercased.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.getUser(ctx, "get_user_by_email", "email", strings.ToLower(email))
}

// UpdatePasswordFile sets the OPAQUE password file of a user.
func (s *Store) UpdatePasswordFile(ctx context.Context, userID, passwordFile string) error {
	return s.observer.Do(ctx, "update_password_file", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE users SET password_file = ? WHERE id = ?`, passwordFile, userID)
		if err != nil {
			return fmt.Errorf("updating password file: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// GetIdentityInfo returns the ID token claims of a user.
func (s *Store) GetIdentityInfo(ctx context.Context, userID string) (*storage.IdentityInfo, error) {
	var info storage.IdentityInfo
	err := s.observer.Do(ctx, "get_identity_info", func(ctx context.Context) error {
		var raw string
		if err := s.db.QueryRowContext(ctx, `SELECT identity FROM users WHERE id = ?`, userID).Scan(&raw); err != nil {
			return notFoundOr(err, "getting identity info")
		}
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
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
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (id, email, password_file, scope, register_id, identity)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   email = excluded.email,
			   password_file = excluded.password_file,
			   scope = excluded.scope,
			   register_id = excluded.register_id,
			   identity = excluded.identity`,
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

func (s *Store) getSingleton(ctx context.Context, operation, query string) (string, error) {
	var out string
	err := s.observer.Do(ctx, operation, func(ctx context.Context) error {
		if err := s.db.QueryRowContext(ctx, query).Scan(&out); err != nil {
			return notFoundOr(err, strings.ReplaceAll(operation, "_", " "))
		}
		return nil
	})
	return out, err
}

func (s *Store) insertSingleton(ctx context.Context, operation, query string, value string) error {
	return s.observer.Do(ctx, operation, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, value)
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("%s: %w", strings.ReplaceAll(operation, "_", " "), err)
		}
		return nil
	})
}

// GetKeySet returns the encrypted key set.
func (s *Store) GetKeySet(ctx context.Context) (string, error) {
	return s.getSingleton(ctx, "get_key_set", `SELECT encrypted FROM key_set WHERE id = 1`)
}

// InsertKeySet stores the encrypted key set if none exists.
func (s *Store) InsertKeySet(ctx context.Context, encrypted string) error {
	return s.insertSingleton(ctx, "insert_key_set", `INSERT INTO key_set (id, encrypted) VALUES (1, ?)`, encrypted)
}

// UpdateKeySet replaces the encrypted key set.
func (s *Store) UpdateKeySet(ctx context.Context, encrypted string) error {
	return s.observer.Do(ctx, "update_key_set", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE key_set SET encrypted = ? WHERE id = 1`, encrypted)
		if err != nil {
			return fmt.Errorf("updating key set: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// ListKeys returns the key metadata rows.
func (s *Store) ListKeys(ctx context.Context) ([]storage.KeyInfo, error) {
	var out []storage.KeyInfo
	err := s.observer.Do(ctx, "list_keys", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT kid, iat, key_use FROM keys`)
		if err != nil {
			return fmt.Errorf("listing keys: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var k storage.KeyInfo
			if err := rows.Scan(&k.KID, &k.IssuedAt, &k.Use); err != nil {
				return fmt.Errorf("scanning key: %w", err)
			}
			out = append(out, k)
		}
		return rows.Err()
	})
	return out, err
}

// InsertKey adds a key metadata row.
func (s *Store) InsertKey(ctx context.Context, key storage.KeyInfo) error {
	return s.observer.Do(ctx, "insert_key", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO keys (kid, iat, key_use) VALUES (?, ?, ?)`, key.KID, key.IssuedAt, key.Use)
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
	return s.getSingleton(ctx, "get_opaque_setup", `SELECT value FROM opaque_setup WHERE id = 1`)
}

// InsertOpaqueSetup stores the OPAQUE server setup if none exists.
func (s *Store) InsertOpaqueSetup(ctx context.Context, setup string) error {
	return s.insertSingleton(ctx, "insert_opaque_setup", `INSERT INTO opaque_setup (id, value) VALUES (1, ?)`, setup)
}
