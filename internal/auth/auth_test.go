package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/atmx/market-game/internal/auth"
)

func echoIdentity(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Resolved", id.PlayerID+"/"+string(id.Role))
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWT_RoundTrip(t *testing.T) {
	p := auth.NewJWTProvider("secret")
	tok, err := p.GenerateToken("alice", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	id, err := p.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{PlayerID: "alice", Role: auth.RoleAdmin}, id)
}

func TestJWT_Rejections(t *testing.T) {
	p := auth.NewJWTProvider("secret")

	expired, err := p.GenerateToken("alice", auth.RolePlayer, -time.Minute)
	require.NoError(t, err)
	_, err = p.ValidateToken(expired)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)

	other, err := auth.NewJWTProvider("other").GenerateToken("alice", auth.RolePlayer, time.Hour)
	require.NoError(t, err)
	_, err = p.ValidateToken(other)
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)

	_, err = p.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = p.GenerateToken("", auth.RolePlayer, time.Hour)
	assert.Error(t, err)
	_, err = p.GenerateToken("alice", auth.Role("root"), time.Hour)
	assert.Error(t, err)
}

func TestJWT_Middleware(t *testing.T) {
	p := auth.NewJWTProvider("secret")
	h := auth.Middleware(p)(echoIdentity(t))
	tok, err := p.GenerateToken("bob", auth.RolePlayer, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob/player", w.Header().Get("X-Resolved"))

	// WebSocket clients pass the token as a query parameter.
	req = httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing credentials")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHeaderProvider(t *testing.T) {
	tests := []struct {
		name     string
		playerID string
		role     string
		want     auth.Identity
		wantErr  error
	}{
		{"player default", "carol", "", auth.Identity{PlayerID: "carol", Role: auth.RolePlayer}, nil},
		{"admin", "ops", "Admin", auth.Identity{PlayerID: "ops", Role: auth.RoleAdmin}, nil},
		{"missing id", "", "admin", auth.Identity{}, auth.ErrMissingCredentials},
		{"bad role", "x", "root", auth.Identity{}, auth.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Player-ID", tt.playerID)
			req.Header.Set("X-Player-Role", tt.role)
			got, err := auth.HeaderProvider{}.Resolve(req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := auth.Middleware(auth.HeaderProvider{})(auth.RequireAdmin(echoIdentity(t)))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Player-ID", "p1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req.Header.Set("X-Player-Role", "admin")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentity_CanView(t *testing.T) {
	assert.True(t, auth.Identity{PlayerID: "a", Role: auth.RolePlayer}.CanView("a"))
	assert.False(t, auth.Identity{PlayerID: "a", Role: auth.RolePlayer}.CanView("b"))
	assert.True(t, auth.Identity{PlayerID: "ops", Role: auth.RoleAdmin}.CanView("b"))
}

func TestPlayerRateLimiter(t *testing.T) {
	l := auth.NewPlayerRateLimiter(rate.Limit(1), 2)
	h := auth.Middleware(auth.HeaderProvider{})(l.Middleware(echoIdentity(t)))

	send := func(player string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", nil)
		req.Header.Set("X-Player-ID", player)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("a").Code)
	assert.Equal(t, http.StatusOK, send("a").Code)
	w := send("a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Buckets are per player.
	assert.Equal(t, http.StatusOK, send("b").Code)
}
