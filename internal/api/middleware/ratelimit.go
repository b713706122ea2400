// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimitPerIP throttles requests per client IP. Used on the device
// reset endpoints, which accept raw credentials and would otherwise be
// a credential-stuffing target.
func RateLimitPerIP(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 5
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
		lastSeen = make(map[string]time.Time)
	)

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		// Opportunistic cleanup of stale entries
		if len(lastSeen) > 1000 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, seen := range lastSeen {
				if seen.Before(cutoff) {
					delete(limiters, k)
					delete(lastSeen, k)
				}
			}
		}

		limiter, ok := limiters[ip]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
			limiters[ip] = limiter
		}
		lastSeen[ip] = time.Now()
		return limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if !limiterFor(ip).Allow() {
				log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("Rate limit exceeded")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too many requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
