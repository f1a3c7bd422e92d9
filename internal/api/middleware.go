// Package api provides the HTTP REST API layer for sentineld. It includes a
// chi router, JWT authentication middleware, and handler functions for all
// /api/v1 endpoints.
package api

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is an unexported type used to store values in request contexts,
// preventing collisions with keys from other packages.
type contextKey int

const (
	// claimsKey is the context key under which validated JWT claims are stored.
	claimsKey contextKey = iota
)

// Scope names gate access to individual sentineld API routes. Tokens are
// minted out-of-band by the SOC's identity provider, not by sentineld
// itself; the agent only ever verifies a signature and checks scope
// membership against the requested route.
const (
	// ScopeEventsRead permits GET /api/v1/events — raw finalized
	// process-event records, including argv/env and code-signature
	// identifiers, so it is kept separate from the coarser stats scope.
	ScopeEventsRead = "events:read"
	// ScopeStatsRead permits GET /api/v1/stats — aggregate engine counters
	// only (spec.md §6), safe to grant to broader dashboard audiences than
	// raw event access.
	ScopeStatsRead = "stats:read"
)

// Claims extends the standard jwt.RegisteredClaims with the scope set that
// governs which sentineld API routes a bearer token may reach.
type Claims struct {
	jwt.RegisteredClaims
	// Scopes lists the API capabilities this token grants. A token with a
	// valid signature but an empty or non-matching Scopes still fails
	// RequireScope — signature validity alone does not imply authorization
	// to any particular route.
	Scopes []string `json:"scp"`
}

// HasScope reports whether c grants scope. A nil Claims (no token, or a
// route reached before JWTMiddleware ran) grants nothing.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// JWTMiddleware returns an HTTP middleware that validates RS256 Bearer tokens.
//
// The middleware extracts the Authorization header value, expects the format
// "Bearer <token>", and validates the token's RS256 signature using pubKey.
// On success, the parsed Claims are stored in the request context and the next
// handler is called. On any validation failure the middleware responds with
// HTTP 401 and does not call next. JWTMiddleware only establishes identity;
// per-route authorization is RequireScope's job.
func JWTMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "malformed Authorization header, expected 'Bearer <token>'")
				return
			}
			tokenStr := parts[1]

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return pubKey, nil
			}, jwt.WithValidMethods([]string{"RS256"}))

			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "token verification failed")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns middleware that rejects requests whose validated
// claims (stored in the context by JWTMiddleware) do not include scope. It
// must run after JWTMiddleware. Failing this check responds 403, not 401:
// the token itself verified fine, it simply was not issued with enough
// privilege for this route.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ClaimsFromContext(r.Context()).HasScope(scope) {
				writeError(w, http.StatusForbidden, "token does not grant required scope: "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext retrieves the JWT claims stored in ctx by JWTMiddleware.
// Returns nil if no claims are present (e.g. on unauthenticated routes).
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// writeError writes a JSON error response with the given HTTP status code.
// The response body is {"error": "<message>"}.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
