// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/kilocode/cloudagent/internal/auth"
	"github.com/kilocode/cloudagent/internal/log"
)

// authMiddleware enforces a static bearer token with a constant-time
// compare. allowQuery additionally accepts ?token= for WebSocket clients
// that cannot set headers. Fail-closed: an empty configured token denies
// everything.
func (s *Server) authMiddleware(token string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := log.WithComponentFromContext(r.Context(), "auth")

			reqToken := auth.ExtractToken(r, allowQuery)
			if reqToken == "" {
				logger.Warn().
					Str(log.FieldEvent, "auth.missing_token").
					Str("path", r.URL.Path).
					Msg("authorization missing")
				RespondError(w, r, http.StatusUnauthorized, ErrUnauthorized)
				return
			}

			if !auth.AuthorizeToken(reqToken, token) {
				logger.Warn().
					Str(log.FieldEvent, "auth.invalid_token").
					Str("path", r.URL.Path).
					Msg("invalid token")
				RespondError(w, r, http.StatusUnauthorized, ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
