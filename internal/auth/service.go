// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const tokenCacheTTL = 5 * time.Minute

type Service struct {
	users  *models.UserStore
	tokens *models.TokenStore
	store  *sessions.CookieStore

	// Validated bearer tokens are cached so the hot validation path
	// does not hit sqlite on every check
	tokenCache *ristretto.Cache
}

func NewService(db *sql.DB, sessionSecret string) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20, // 1MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}

	return &Service{
		users:      models.NewUserStore(db),
		tokens:     models.NewTokenStore(db),
		store:      sessions.NewCookieStore([]byte(sessionSecret)),
		tokenCache: cache,
	}, nil
}

// GetSessionStore returns the cookie session store
func (s *Service) GetSessionStore() *sessions.CookieStore {
	return s.store
}

// Register creates a new account with a hashed password
func (s *Service) Register(ctx context.Context, email, password string) (*models.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	return s.users.Create(ctx, email, hash)
}

// Login validates credentials for an interactive session
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	return s.VerifyCredentials(ctx, email, password)
}

// VerifyCredentials performs a fresh low-privilege credential check.
// It never creates a session and returns a single generic error for
// both unknown accounts and wrong passwords so the reset flow cannot
// be used to probe which emails exist.
func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			// Burn a hash verification anyway so the two failure modes
			// are indistinguishable by response time
			_, _ = VerifyPassword(password, dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	valid, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		log.Error().Err(err).Msg("Failed to verify password hash")
		return nil, ErrInvalidCredentials
	}
	if !valid {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// ChangePassword rotates a user's password after verifying the old one
func (s *Service) ChangePassword(ctx context.Context, userID int, oldPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	valid, err := VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil || !valid {
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.users.UpdatePassword(ctx, userID, hash)
}

// IssueToken creates a bearer token for a device. The raw value is
// returned once and never stored.
func (s *Service) IssueToken(ctx context.Context, userID int, name string) (string, *models.AuthToken, error) {
	return s.tokens.Create(ctx, userID, name)
}

// ValidateToken resolves a raw bearer token to its record
func (s *Service) ValidateToken(ctx context.Context, rawToken string) (*models.AuthToken, error) {
	hash := models.HashToken(rawToken)

	if cached, found := s.tokenCache.Get(hash); found {
		if token, ok := cached.(*models.AuthToken); ok {
			return token, nil
		}
	}

	token, err := s.tokens.Validate(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	s.tokenCache.SetWithTTL(hash, token, 1, tokenCacheTTL)

	return token, nil
}

// RevokeToken deletes a token and evicts it from the cache
func (s *Service) RevokeToken(ctx context.Context, userID, tokenID int) error {
	tokens, err := s.tokens.ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, t := range tokens {
		if t.ID == tokenID {
			s.tokenCache.Del(t.TokenHash)
		}
	}

	return s.tokens.Delete(ctx, userID, tokenID)
}

// ListTokens returns the user's issued tokens
func (s *Service) ListTokens(ctx context.Context, userID int) ([]*models.AuthToken, error) {
	return s.tokens.ListByUser(ctx, userID)
}

// dummyHash is a throwaway argon2id hash used to equalize timing when
// the account does not exist
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
