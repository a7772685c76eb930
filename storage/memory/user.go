package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// GetUserByID returns a user by id.
func (s *Store) GetUserByID(ctx context.Context, userID string) (*storage.User, error) {
	var out *storage.User
	err := s.observe(ctx, "get_user", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.users[userID]
		if !ok {
			return notFound("user", userID)
		}
		u := rec.user
		out = &u
		return nil
	})
	return out, err
}

// GetUserByEmail returns a user by email, compared case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	var out *storage.User
	err := s.observe(ctx, "get_user_by_email", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		id, ok := s.usersByMail[strings.ToLower(email)]
		if !ok {
			return notFound("user", "")
		}
		u := s.users[id].user
		out = &u
		return nil
	})
	return out, err
}

// UpdatePasswordFile sets the OPAQUE password file of a user.
func (s *Store) UpdatePasswordFile(ctx context.Context, userID, passwordFile string) error {
	return s.observe(ctx, "update_password_file", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.users[userID]
		if !ok {
			return notFound("user", userID)
		}
		rec.user.PasswordFile = passwordFile
		return nil
	})
}

// GetIdentityInfo returns the ID token claims of a user.
func (s *Store) GetIdentityInfo(ctx context.Context, userID string) (*storage.IdentityInfo, error) {
	var out *storage.IdentityInfo
	err := s.observe(ctx, "get_identity_info", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.users[userID]
		if !ok {
			return notFound("user", userID)
		}
		info := rec.info
		out = &info
		return nil
	})
	return out, err
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(ctx context.Context, user *storage.User, info *storage.IdentityInfo) error {
	return s.observe(ctx, "put_user", func(context.Context) error {
		if user.ID == "" {
			return fmt.Errorf("user id cannot be empty")
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		email := strings.ToLower(user.Email)
		if owner, ok := s.usersByMail[email]; ok && owner != user.ID {
			return fmt.Errorf("email of user %q: %w", user.ID, storage.ErrAlreadyExists)
		}
		if old, ok := s.users[user.ID]; ok {
			delete(s.usersByMail, old.user.Email)
		}
		rec := &userRecord{user: *user}
		rec.user.Email = email
		if info != nil {
			rec.info = *info
		}
		s.users[user.ID] = rec
		s.usersByMail[email] = user.ID
		return nil
	})
}

// GetKeySet returns the encrypted key set.
func (s *Store) GetKeySet(ctx context.Context) (string, error) {
	var out string
	err := s.observe(ctx, "get_key_set", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.keySet == "" {
			return notFound("key set", "")
		}
		out = s.keySet
		return nil
	})
	return out, err
}

// InsertKeySet stores the encrypted key set if none exists.
func (s *Store) InsertKeySet(ctx context.Context, encrypted string) error {
	return s.observe(ctx, "insert_key_set", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.keySet != "" {
			return storage.ErrAlreadyExists
		}
		s.keySet = encrypted
		return nil
	})
}

// UpdateKeySet replaces the encrypted key set.
func (s *Store) UpdateKeySet(ctx context.Context, encrypted string) error {
	return s.observe(ctx, "update_key_set", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.keySet == "" {
			return notFound("key set", "")
		}
		s.keySet = encrypted
		return nil
	})
}

// ListKeys returns the key metadata rows.
func (s *Store) ListKeys(ctx context.Context) ([]storage.KeyInfo, error) {
	var out []storage.KeyInfo
	err := s.observe(ctx, "list_keys", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		out = append([]storage.KeyInfo(nil), s.keys...)
		return nil
	})
	return out, err
}

// InsertKey adds a key metadata row.
func (s *Store) InsertKey(ctx context.Context, key storage.KeyInfo) error {
	return s.observe(ctx, "insert_key", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, k := range s.keys {
			if k.KID == key.KID {
				return fmt.Errorf("key %q: %w", key.KID, storage.ErrAlreadyExists)
			}
		}
		s.keys = append(s.keys, key)
		return nil
	})
}

// GetOpaqueSetup returns the serialized OPAQUE server setup.
func (s *Store) GetOpaqueSetup(ctx context.Context) (string, error) {
	var out string
	err := s.observe(ctx, "get_opaque_setup", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.opaqueSetup == "" {
			return notFound("opaque setup", "")
		}
		out = s.opaqueSetup
		return nil
	})
	return out, err
}

// InsertOpaqueSetup stores the OPAQUE server setup if none exists.
func (s *Store) InsertOpaqueSetup(ctx context.Context, setup string) error {
	return s.observe(ctx, "insert_opaque_setup", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.opaqueSetup != "" {
			return storage.ErrAlreadyExists
		}
		s.opaqueSetup = setup
		return nil
	})
}
