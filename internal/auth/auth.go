// Package auth resolves the caller of an HTTP request to a player identity
// and enforces roles and per-player rate limits.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Role is what an identity may do.
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RolePlayer || r == RoleAdmin }

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrExpiredToken       = errors.New("auth: token expired")
	ErrInvalidSignature   = errors.New("auth: invalid signature")
)

// Identity is the authenticated caller.
type Identity struct {
	PlayerID string `json:"player_id"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the identity holds the admin role.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// CanView reports whether the identity may read playerID's private state.
func (id Identity) CanView(playerID string) bool {
	return id.IsAdmin() || id.PlayerID == playerID
}

// Provider resolves a request to an identity.
type Provider interface {
	Resolve(r *http.Request) (Identity, error)
}

// HeaderProvider trusts X-Player-ID and X-Player-Role headers. It is meant
// for development and for deployments behind an authenticating proxy.
type HeaderProvider struct{}

// Resolve implements Provider.
func (HeaderProvider) Resolve(r *http.Request) (Identity, error) {
	id := strings.TrimSpace(r.Header.Get("X-Player-ID"))
	if id == "" {
		return Identity{}, ErrMissingCredentials
	}
	role := Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-Player-Role"))))
	if role == "" {
		role = RolePlayer
	}
	if !role.Valid() {
		return Identity{}, ErrInvalidToken
	}
	return Identity{PlayerID: id, Role: role}, nil
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests the provider cannot resolve with 401 and
// stores the identity in the request context.
func Middleware(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := p.Resolve(r)
			if err != nil {
				writeError(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects non-admin callers with 403. It must run after
// Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || !id.IsAdmin() {
			writeError(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
