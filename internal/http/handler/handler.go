package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/access"
	"github.com/smallbiznis/agentkey/internal/audit"
	"github.com/smallbiznis/agentkey/internal/credential"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/http/middleware"
	"github.com/smallbiznis/agentkey/internal/token"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VaultHandler serves the credential, token, agent and audit endpoints.
type VaultHandler struct {
	Credentials *credential.Service
	Tokens      *token.Service
	Gate        *access.Gate
	Audit       *audit.Sink
	Store       Pinger
	Logger      *zap.Logger
}

// NewVaultHandler creates the handler set.
func NewVaultHandler(creds *credential.Service, tokens *token.Service, gate *access.Gate, sink *audit.Sink, store Pinger, logger *zap.Logger) *VaultHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VaultHandler{Credentials: creds, Tokens: tokens, Gate: gate, Audit: sink, Store: store, Logger: logger}
}

// respondError maps the error taxonomy onto HTTP statuses. Only validation
// errors carry a description.
func (h *VaultHandler) respondError(c *gin.Context, err error) {
	switch public := domain.Public(err); {
	case errors.Is(public, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": describe(err)})
	case errors.Is(public, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(public, domain.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(public, domain.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(public, domain.ErrUnavailable):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
	default:
		h.Logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

func describe(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, domain.ErrValidation.Error()); i >= 0 {
		msg = strings.TrimPrefix(msg[i+len(domain.ErrValidation.Error()):], ":")
	}
	return strings.TrimSpace(msg)
}

func badRequest(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": description})
}

func principal(c *gin.Context) (domain.Principal, bool) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return p, ok
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func queryUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(c, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, name+" must be an integer")
		return 0, false
	}
	return v, true
}

// Healthz reports liveness.
func (h *VaultHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports whether the store answers.
func (h *VaultHandler) Readyz(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		h.Logger.Warn("readiness check failed", zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
