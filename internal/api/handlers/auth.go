// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/api/middleware"
	"github.com/tillhq/licensed/internal/auth"
	"github.com/tillhq/licensed/internal/models"
	"github.com/tillhq/licensed/internal/services"
)

type AuthHandler struct {
	authService    *auth.Service
	licenseService *services.LicenseService
}

func NewAuthHandler(authService *auth.Service, licenseService *services.LicenseService) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		licenseService: licenseService,
	}
}

// RegisterRequest represents an account registration request
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ChangePasswordRequest represents a password change request
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// Register creates an account and provisions its trial license
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		RespondError(w, http.StatusBadRequest, "Email and password are required")
		return
	}
	if len(req.Password) < 8 {
		RespondError(w, http.StatusBadRequest, "Password must be at least 8 characters long")
		return
	}

	user, err := h.authService.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, models.ErrUserAlreadyExists) {
			RespondError(w, http.StatusConflict, "An account with this email already exists")
			return
		}
		log.Error().Err(err).Msg("Failed to create account")
		RespondError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	license, err := h.licenseService.ProvisionTrial(r.Context(), user.ID)
	if err != nil {
		log.Error().Err(err).Int("userId", user.ID).Msg("Failed to provision trial license")
		RespondError(w, http.StatusInternalServerError, "Failed to provision trial")
		return
	}

	h.createSession(w, r, user)

	RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Account created",
		"user": map[string]interface{}{
			"id":    user.ID,
			"email": user.Email,
		},
		"trial": map[string]interface{}{
			"expiresAt": license.ExpiresAt,
		},
	})
}

// Login handles user login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			RespondError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		log.Error().Err(err).Msg("Login failed")
		RespondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	h.createSession(w, r, user)

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Login successful",
		"user": map[string]interface{}{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}

// Logout handles user logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, _ := h.authService.GetSessionStore().Get(r, "user_session")

	session.Values["authenticated"] = false
	session.Options.MaxAge = -1

	if err := session.Save(r, w); err != nil {
		log.Error().Err(err).Msg("Failed to clear session")
		RespondError(w, http.StatusInternalServerError, "Failed to logout")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// GetCurrentUser returns the current user information
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	session, _ := h.authService.GetSessionStore().Get(r, "user_session")

	userID, ok := session.Values["user_id"].(int)
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	email, ok := session.Values["email"].(string)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "Invalid session data")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"id":    userID,
		"email": email,
	})
}

// ChangePassword handles password change requests
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.NewPassword) < 8 {
		RespondError(w, http.StatusBadRequest, "Password must be at least 8 characters long")
		return
	}

	if err := h.authService.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			RespondError(w, http.StatusUnauthorized, "Invalid current password")
			return
		}
		log.Error().Err(err).Msg("Failed to change password")
		RespondError(w, http.StatusInternalServerError, "Failed to change password")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Password changed successfully",
	})
}

// Device token management

// CreateTokenRequest represents a request to issue a device token
type CreateTokenRequest struct {
	Name string `json:"name"`
}

// CreateToken issues a new bearer token for a POS device
func (h *AuthHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "Token name is required")
		return
	}

	rawToken, token, err := h.authService.IssueToken(r.Context(), userID, req.Name)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue token")
		RespondError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         token.ID,
		"name":       token.Name,
		"token":      rawToken, // Only shown once
		"created_at": token.CreatedAt,
		"message":    "Save this token securely - it will not be shown again",
	})
}

// ListTokens returns the caller's issued device tokens
func (h *AuthHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	tokens, err := h.authService.ListTokens(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tokens")
		RespondError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}

	RespondJSON(w, http.StatusOK, tokens)
}

// DeleteToken revokes a device token
func (h *AuthHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid token ID")
		return
	}

	if err := h.authService.RevokeToken(r.Context(), userID, id); err != nil {
		if errors.Is(err, models.ErrTokenNotFound) {
			RespondError(w, http.StatusNotFound, "Token not found")
			return
		}
		log.Error().Err(err).Msg("Failed to delete token")
		RespondError(w, http.StatusInternalServerError, "Failed to delete token")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Token revoked successfully",
	})
}

func (h *AuthHandler) createSession(w http.ResponseWriter, r *http.Request, user *models.User) {
	session, _ := h.authService.GetSessionStore().Get(r, "user_session")
	session.Values["authenticated"] = true
	session.Values["user_id"] = user.ID
	session.Values["email"] = user.Email

	session.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	// If behind reverse proxy with HTTPS, upgrade security
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		session.Options.Secure = true
		session.Options.SameSite = http.SameSiteStrictMode
	}

	if err := session.Save(r, w); err != nil {
		log.Error().Err(err).Msg("Failed to save session")
	}
}
