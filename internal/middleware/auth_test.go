package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logwarden/logwarden/internal/auth"
)

type seenCaller struct {
	UserID    string   `json:"user_id"`
	Roles     []string `json:"roles"`
	HostUser  string   `json:"host_user"`
	HostToken string   `json:"host_token"`
	Origin    string   `json:"origin"`
}

func newIdentityRouter(cfg IdentityConfig) *gin.Engine {
	r := gin.New()
	r.Use(IdentityMiddleware(cfg))
	r.GET("/whoami", func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		creds := GetCredentials(c)
		c.JSON(http.StatusOK, seenCaller{
			UserID:    id.UserID,
			Roles:     id.Roles,
			HostUser:  creds.UserID,
			HostToken: creds.Token,
			Origin:    GetHostOrigin(c),
		})
	})
	return r
}

func mintToken(t *testing.T, userID string, roles []string, issuer string) string {
	t.Helper()
	token, err := auth.GenerateJWT(userID, roles, issuer, time.Hour)
	require.NoError(t, err)
	return token
}

func TestIdentityMiddleware_Rejects(t *testing.T) {
	r := newIdentityRouter(IdentityConfig{})
	expired, err := auth.GenerateJWT("u1", nil, "", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer   "},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestIdentityMiddleware_SetsCallerFromToken(t *testing.T) {
	r := newIdentityRouter(IdentityConfig{HostURL: "https://chat.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "u-42", []string{"sre"}, ""))
	req.Header.Set(HostUserIDHeader, "u-42")
	req.Header.Set(HostAuthTokenHeader, "host-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got seenCaller
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, seenCaller{
		UserID:    "u-42",
		Roles:     []string{"sre"},
		HostUser:  "u-42",
		HostToken: "host-secret",
		Origin:    "https://chat.example.com",
	}, got)
}

func TestIdentityMiddleware_OriginNeverFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		hostURL string
		want    string
	}{
		{"configured origin", "https://chat.internal", "https://chat.internal"},
		{"no configured origin", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newIdentityRouter(IdentityConfig{HostURL: tt.hostURL})

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer "+mintToken(t, "u1", nil, ""))
			req.Header.Set("X-Host-Origin", "https://attacker.example")
			req.Header.Set("Origin", "https://attacker.example")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			var got seenCaller
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.want, got.Origin)
			assert.Empty(t, got.HostToken)
		})
	}
}

func TestIdentityMiddleware_ForwardedUserMustMatchToken(t *testing.T) {
	r := newIdentityRouter(IdentityConfig{HostURL: "https://chat.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "u1", []string{"admin"}, ""))
	req.Header.Set(HostUserIDHeader, "someone-else")
	req.Header.Set(HostAuthTokenHeader, "stolen-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "do not match")
}

func TestIdentityMiddleware_IssuerEnforced(t *testing.T) {
	r := newIdentityRouter(IdentityConfig{Issuer: "chat-host"})

	for issuer, want := range map[string]int{
		"chat-host":    http.StatusOK,
		"someone-else": http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+mintToken(t, "u1", nil, issuer))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, "issuer %q", issuer)
	}
}

func TestGetIdentity_Absent(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := GetIdentity(c)
	assert.False(t, ok)
	assert.Empty(t, GetCredentials(c).Token)
	assert.Empty(t, GetHostOrigin(c))
}
