package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/agentkey/internal/domain"
)

const principalKey = "principal"

// Authenticator resolves a raw API key to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (domain.Principal, error)
}

// Auth validates the Authorization header and attaches the principal.
type Auth struct {
	Gate Authenticator
}

// RequireAPIKey rejects requests without a valid agent or team API key.
func (m *Auth) RequireAPIKey(c *gin.Context) {
	key, ok := BearerToken(c.Request)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	p, err := m.Gate.Authenticate(c.Request.Context(), key)
	if err != nil {
		if domain.Public(err) == domain.ErrUnavailable {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalKey, p)
	c.Next()
}

// GetPrincipal returns the principal attached by RequireAPIKey.
func GetPrincipal(c *gin.Context) (domain.Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		return domain.Principal{}, false
	}
	p, ok := value.(domain.Principal)
	return p, ok
}

// BearerToken extracts the credential from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
