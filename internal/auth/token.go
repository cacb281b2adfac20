// SPDX-License-Identifier: MIT

// Package auth implements static bearer-token validation. Token issuance
// and rotation live outside this daemon.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken retrieves the API token from the request, in order:
//  1. Authorization: Bearer <token>
//  2. Header: X-Api-Token
//  3. Query: ?token= (only when allowQuery; WebSocket clients cannot
//     always set headers)
func ExtractToken(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}

	if t := r.Header.Get("X-Api-Token"); t != "" {
		return t
	}

	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}

	return ""
}

// AuthorizeToken reports whether got matches expected, in constant time.
// An empty expected token never authorizes.
func AuthorizeToken(got, expected string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
