// Package middleware provides Gin HTTP middleware for identity resolution,
// ingress throttling, security headers, request IDs, metrics and request logging.
//
// Middleware ordering is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → CORS → RateLimit → Identity → Handler
//
// Security headers run first so they appear on all responses including errors.
// The ingress throttle runs before identity so unauthenticated floods are cheap
// to reject. Identity places the caller into the context; everything past it
// (access control, quota, audit) happens in the pipeline.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/logwarden/logwarden/internal/access"
	"github.com/logwarden/logwarden/internal/auth"
)

// Context keys set by IdentityMiddleware.
const (
	UserIDKey      = "user_id"
	IdentityKey    = "identity"
	CredentialsKey = "host_credentials"
	HostOriginKey  = "host_origin"
)

// Headers forwarded by the chat host.
const (
	HostUserIDHeader    = "X-User-Id"
	HostAuthTokenHeader = "X-Auth-Token"
)

// IdentityConfig configures IdentityMiddleware.
type IdentityConfig struct {
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// HostURL is the host origin permission lookups go to. It never comes from
	// the request; when empty, lookups are unavailable.
	HostURL string
}

// IdentityMiddleware verifies the host-signed bearer token and stores the
// caller's identity, forwarded host credentials and host origin in the context.
// Forwarded credentials must belong to the user named in the token.
func IdentityMiddleware(cfg IdentityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := auth.ValidateJWT(token, cfg.Issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		hostUser := c.GetHeader(HostUserIDHeader)
		if hostUser != "" && hostUser != claims.UserID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Forwarded credentials do not match the token user",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(IdentityKey, access.Identity{UserID: claims.UserID, Roles: claims.Roles})
		c.Set(CredentialsKey, access.Credentials{
			UserID: hostUser,
			Token:  c.GetHeader(HostAuthTokenHeader),
		})
		c.Set(HostOriginKey, cfg.HostURL)

		c.Next()
	}
}

// GetIdentity returns the identity stored by IdentityMiddleware.
func GetIdentity(c *gin.Context) (access.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return access.Identity{}, false
	}
	id, ok := v.(access.Identity)
	return id, ok
}

// GetCredentials returns the forwarded host credentials, possibly empty.
func GetCredentials(c *gin.Context) access.Credentials {
	v, _ := c.Get(CredentialsKey)
	creds, _ := v.(access.Credentials)
	return creds
}

// GetHostOrigin returns the configured host origin, possibly empty.
func GetHostOrigin(c *gin.Context) string {
	return c.GetString(HostOriginKey)
}
