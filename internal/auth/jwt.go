package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// JWTProvider validates HS256 bearer tokens whose subject is the player ID.
type JWTProvider struct {
	secret []byte
	now    func() time.Time
}

// NewJWTProvider creates a provider that signs and verifies with secret.
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), now: time.Now}
}

// GenerateToken signs a token for playerID valid for ttl.
func (p *JWTProvider) GenerateToken(playerID string, role Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(playerID) == "" {
		return "", fmt.Errorf("player id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := p.now()
	c := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   playerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: string(role),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token.
func (p *JWTProvider) ValidateToken(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Identity{}, ErrInvalidSignature
		}
		return Identity{}, ErrInvalidToken
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	role := Role(c.Role)
	if role == "" {
		role = RolePlayer
	}
	if !role.Valid() {
		return Identity{}, ErrInvalidToken
	}
	return Identity{PlayerID: c.Subject, Role: role}, nil
}

// Resolve implements Provider using the Authorization bearer token, or the
// "token" query parameter for WebSocket clients that cannot set headers.
func (p *JWTProvider) Resolve(r *http.Request) (Identity, error) {
	raw := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return Identity{}, ErrInvalidToken
		}
		raw = strings.TrimSpace(tok)
	}
	if raw == "" {
		return Identity{}, ErrMissingCredentials
	}
	return p.ValidateToken(raw)
}
