// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var ErrTokenNotFound = errors.New("token not found")
var ErrInvalidToken = errors.New("invalid token")

// AuthToken is a bearer credential issued to a POS device. Only the
// SHA-256 hash is stored; the raw value is shown once at creation.
type AuthToken struct {
	ID         int        `json:"id"`
	UserID     int        `json:"userId"`
	TokenHash  string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

// GenerateToken generates a new bearer token value
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashToken creates a SHA256 hash of the token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func (s *TokenStore) Create(ctx context.Context, userID int, name string) (string, *AuthToken, error) {
	rawToken, err := GenerateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}

	tokenHash := HashToken(rawToken)

	query := `
		INSERT INTO auth_tokens (user_id, token_hash, name)
		VALUES (?, ?, ?)
		RETURNING id, user_id, token_hash, name, created_at, last_used_at
	`

	token := &AuthToken{}
	err = s.db.QueryRowContext(ctx, query, userID, tokenHash, name).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.Name,
		&token.CreatedAt,
		&token.LastUsedAt,
	)

	if err != nil {
		return "", nil, err
	}

	return rawToken, token, nil
}

func (s *TokenStore) GetByHash(ctx context.Context, tokenHash string) (*AuthToken, error) {
	query := `
		SELECT id, user_id, token_hash, name, created_at, last_used_at
		FROM auth_tokens
		WHERE token_hash = ?
	`

	token := &AuthToken{}
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.Name,
		&token.CreatedAt,
		&token.LastUsedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	return token, nil
}

func (s *TokenStore) ListByUser(ctx context.Context, userID int) ([]*AuthToken, error) {
	query := `
		SELECT id, user_id, token_hash, name, created_at, last_used_at
		FROM auth_tokens
		WHERE user_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*AuthToken
	for rows.Next() {
		token := &AuthToken{}
		err := rows.Scan(
			&token.ID,
			&token.UserID,
			&token.TokenHash,
			&token.Name,
			&token.CreatedAt,
			&token.LastUsedAt,
		)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

func (s *TokenStore) UpdateLastUsed(ctx context.Context, id int) error {
	query := `
		UPDATE auth_tokens
		SET last_used_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrTokenNotFound
	}

	return nil
}

func (s *TokenStore) Delete(ctx context.Context, userID, id int) error {
	query := `DELETE FROM auth_tokens WHERE id = ? AND user_id = ?`

	result, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrTokenNotFound
	}

	return nil
}

// Validate checks a raw bearer token and returns its record when valid
func (s *TokenStore) Validate(ctx context.Context, rawToken string) (*AuthToken, error) {
	token, err := s.GetByHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	// Last-used bookkeeping must not block the request path
	go func() {
		_ = s.UpdateLastUsed(context.Background(), token.ID)
	}()

	return token, nil
}
