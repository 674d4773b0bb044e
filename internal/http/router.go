package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/config"
	"github.com/smallbiznis/agentkey/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/agentkey/internal/http/middleware"
	"github.com/smallbiznis/agentkey/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, vault *handler.VaultHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", vault.Healthz)
	r.GET("/readyz", vault.Readyz)

	api := r.Group("/api/v1")
	{
		// Bearer here is the ephemeral token itself, not an API key.
		api.POST("/tokens/resolve", vault.ResolveToken)

		authed := api.Group("", authMiddleware.RequireAPIKey, rateLimiter.HandlerBy(principalKey))

		authed.POST("/agents", vault.RegisterAgent)
		authed.PATCH("/agents/:agent_id", vault.UpdateAgent)
		authed.DELETE("/agents/:agent_id", vault.DeleteAgent)
		authed.POST("/agents/:agent_id/credentials/:name/token", vault.IssueTokenByName)

		credentials := authed.Group("/credentials")
		{
			credentials.GET("", vault.ListCredentials)
			credentials.POST("", vault.CreateCredential)
			credentials.GET("/:id", vault.GetCredential)
			credentials.PATCH("/:id", vault.UpdateCredential)
			credentials.DELETE("/:id", vault.DeleteCredential)
			credentials.POST("/:id/decrypt", vault.DecryptCredential)
			credentials.POST("/:id/rotate", vault.RotateCredential)
			credentials.GET("/:id/versions", vault.ListVersions)
			credentials.POST("/:id/tokens", vault.IssueToken)
		}

		tokens := authed.Group("/tokens")
		{
			tokens.GET("/:jti", vault.TokenStatus)
			tokens.DELETE("/:jti", vault.RevokeToken)
		}

		apiKeys := authed.Group("/api-keys")
		{
			apiKeys.GET("", vault.ListTeamKeys)
			apiKeys.POST("", vault.CreateTeamKey)
			apiKeys.DELETE("/:id", vault.RevokeTeamKey)
		}

		authed.GET("/audit", vault.ListAudit)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}

// principalKey buckets authenticated requests by the caller so agents
// sharing an address do not share a budget.
func principalKey(c *gin.Context) string {
	p, ok := httpmiddleware.GetPrincipal(c)
	if !ok {
		return ""
	}
	return "principal:" + p.ID.String()
}
