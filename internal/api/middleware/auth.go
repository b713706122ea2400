// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/auth"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	deviceIDKey contextKey = "device_id"
)

// UserIDFromContext returns the authenticated principal's user ID
func UserIDFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(userIDKey).(int)
	return id, ok
}

// DeviceIDFromContext returns the device identifier presented by the
// caller, or empty when none was sent
func DeviceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}

// RequireBearer authenticates API callers via Authorization: Bearer
// tokens and stashes the principal and presented device ID in the
// request context.
func RequireBearer(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w)
				return
			}

			rawToken := strings.TrimPrefix(header, "Bearer ")
			token, err := authService.ValidateToken(r.Context(), rawToken)
			if err != nil {
				log.Warn().Err(err).Msg("Invalid bearer token")
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, token.UserID)
			ctx = context.WithValue(ctx, deviceIDKey, r.Header.Get("X-Device-ID"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession authenticates interactive callers via the cookie session
func RequireSession(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, _ := authService.GetSessionStore().Get(r, "user_session")
			authenticated, ok := session.Values["authenticated"].(bool)
			if !ok || !authenticated {
				unauthorized(w)
				return
			}

			userID, ok := session.Values["user_id"].(int)
			if !ok {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"Unauthorized"}`))
}
