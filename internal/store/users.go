package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NormalizeEmail lower-cases and trims an address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser inserts a user with an already-hashed credential.
func (s *Store) CreateUser(ctx context.Context, email, credentialHash string) (*User, error) {
	now := s.now().UTC()
	u := &User{
		ID:             uuid.NewString(),
		Email:          NormalizeEmail(email),
		CredentialHash: credentialHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, credential_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.CredentialHash, nanos(u.CreatedAt), nanos(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: user %s", ErrDuplicate, u.Email)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with id, or nil if none exists.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.queryUser(ctx, "SELECT id, email, credential_hash, created_at, updated_at FROM users WHERE id = ?", id)
}

// FindUserByEmail returns the user with the given address, or nil.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, "SELECT id, email, credential_hash, created_at, updated_at FROM users WHERE email = ?", NormalizeEmail(email))
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	var created, updated int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.CredentialHash, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

// ResetCredential replaces a user's credential hash.
func (s *Store) ResetCredential(ctx context.Context, userID, credentialHash string) error {
	return s.resetCredential(ctx, s.db, userID, credentialHash)
}

func (s *Store) resetCredential(ctx context.Context, ex execer, userID, credentialHash string) error {
	res, err := ex.ExecContext(ctx,
		"UPDATE users SET credential_hash = ?, updated_at = ? WHERE id = ?",
		credentialHash, nanos(s.now()), userID,
	)
	if err != nil {
		return fmt.Errorf("reset credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset credential: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}
