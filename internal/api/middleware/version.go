// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// RequireClientVersion rejects POS clients below the configured
// minimum with 426. Clients identify via "X-Client-Info: <app>/<version>";
// requests without the header pass through so curl and older builds
// that predate the header are not locked out of diagnostics.
func RequireClientVersion(constraintExpr string) func(http.Handler) http.Handler {
	if constraintExpr == "" {
		return func(next http.Handler) http.Handler { return next }
	}

	constraint, err := semver.NewConstraint(constraintExpr)
	if err != nil {
		log.Error().Err(err).Str("constraint", constraintExpr).Msg("Invalid minClientVersion, ignoring")
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := r.Header.Get("X-Client-Info")
			if info == "" {
				next.ServeHTTP(w, r)
				return
			}

			version := parseClientVersion(info)
			if version == nil {
				next.ServeHTTP(w, r)
				return
			}

			if !constraint.Check(version) {
				log.Warn().
					Str("clientInfo", info).
					Str("required", constraintExpr).
					Msg("Rejected outdated client")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUpgradeRequired)
				w.Write([]byte(`{"error":"Client version too old, please update"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// parseClientVersion extracts the semver from "<app>/<version>"
func parseClientVersion(info string) *semver.Version {
	parts := strings.SplitN(info, "/", 2)
	raw := parts[len(parts)-1]

	version, err := semver.NewVersion(strings.TrimPrefix(raw, "v"))
	if err != nil {
		return nil
	}
	return version
}
