package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// InsertRefreshToken inserts a new row and returns its id.
func (s *Store) InsertRefreshToken(ctx context.Context, token *storage.SavedRefreshToken) (int64, error) {
	var id int64
	err := s.observe(ctx, "insert_refresh_token", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		id = s.insertRefreshLocked(token)
		return nil
	})
	return id, err
}

func (s *Store) insertRefreshLocked(token *storage.SavedRefreshToken) int64 {
	s.nextRefreshID++
	row := *token
	row.ID = s.nextRefreshID
	s.refreshTokens[row.ID] = row
	s.syncCountsLocked()
	return row.ID
}

// GetRefreshToken returns the row with the given id.
func (s *Store) GetRefreshToken(ctx context.Context, id int64) (*storage.SavedRefreshToken, error) {
	var out *storage.SavedRefreshToken
	err := s.observe(ctx, "get_refresh_token", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		row, ok := s.refreshTokens[id]
		if !ok {
			return notFound("refresh token", strconv.FormatInt(id, 10))
		}
		out = &row
		return nil
	})
	return out, err
}

// ReplaceRefreshToken deletes oldID and inserts token under one lock.
func (s *Store) ReplaceRefreshToken(ctx context.Context, oldID int64, token *storage.SavedRefreshToken) (int64, error) {
	var id int64
	err := s.observe(ctx, "replace_refresh_token", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.refreshTokens[oldID]; !ok {
			return fmt.Errorf("replace refresh token %d: %w", oldID, storage.ErrNotFound)
		}
		delete(s.refreshTokens, oldID)
		id = s.insertRefreshLocked(token)
		return nil
	})
	return id, err
}

// DeleteRefreshFamily deletes every row of the family.
func (s *Store) DeleteRefreshFamily(ctx context.Context, familyID string) (int64, error) {
	var deleted int64
	err := s.observe(ctx, "delete_refresh_family", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, row := range s.refreshTokens {
			if row.FamilyID == familyID {
				delete(s.refreshTokens, id)
				deleted++
			}
		}
		s.syncCountsLocked()
		return nil
	})
	return deleted, err
}

// DeleteRefreshToken deletes a single row.
func (s *Store) DeleteRefreshToken(ctx context.Context, id int64) error {
	return s.observe(ctx, "delete_refresh_token", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.refreshTokens, id)
		s.syncCountsLocked()
		return nil
	})
}

// DeleteUserRefreshTokens deletes every row owned by the user.
func (s *Store) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	return s.observe(ctx, "delete_user_refresh_tokens", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, row := range s.refreshTokens {
			if row.UserID == userID {
				delete(s.refreshTokens, id)
			}
		}
		s.syncCountsLocked()
		return nil
	})
}

// FamilyTokens returns the live rows of a family. It exists for tests and
// diagnostics; the token engine never needs it.
func (s *Store) FamilyTokens(familyID string) []storage.SavedRefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SavedRefreshToken
	for _, row := range s.refreshTokens {
		if row.FamilyID == familyID {
			out = append(out, row)
		}
	}
	return out
}

// RefreshTokenCount returns the number of stored refresh rows.
func (s *Store) RefreshTokenCount() int {
	return int(s.refreshCount.Load())
}
