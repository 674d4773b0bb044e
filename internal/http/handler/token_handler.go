package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/http/middleware"
	"github.com/smallbiznis/agentkey/internal/token"
)

type issueBody struct {
	TTLSeconds int64 `json:"ttl_seconds"`
	MaxUsages  *int  `json:"max_usages"`
}

func (b issueBody) request(credentialID uuid.UUID) token.IssueRequest {
	return token.IssueRequest{
		CredentialID: credentialID,
		TTL:          time.Duration(b.TTLSeconds) * time.Second,
		MaxUsages:    b.MaxUsages,
	}
}

func bindIssue(c *gin.Context) (issueBody, bool) {
	var body issueBody
	if c.Request.ContentLength == 0 {
		return body, true
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid payload.")
		return body, false
	}
	return body, true
}

func issuedResponse(issued token.Issued) gin.H {
	return gin.H{
		"token":         issued.Token,
		"jti":           issued.JTI,
		"agent_id":      issued.AgentID,
		"credential_id": issued.CredentialID,
		"expires_at":    issued.ExpiresAt,
		"max_usages":    issued.MaxUsages,
	}
}

// IssueToken signs an ephemeral token for a credential id.
func (h *VaultHandler) IssueToken(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	body, ok := bindIssue(c)
	if !ok {
		return
	}
	issued, err := h.Tokens.Issue(c.Request.Context(), p, body.request(id))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, issuedResponse(issued))
}

// IssueTokenByName signs an ephemeral token for an agent's named credential.
func (h *VaultHandler) IssueTokenByName(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	agentID, ok := pathUUID(c, "agent_id")
	if !ok {
		return
	}
	body, ok := bindIssue(c)
	if !ok {
		return
	}
	issued, err := h.Tokens.IssueForName(c.Request.Context(), p, agentID, c.Param("name"), body.request(uuid.Nil))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, issuedResponse(issued))
}

// TokenStatus reports a token's effective status and usage.
func (h *VaultHandler) TokenStatus(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	jti, ok := pathUUID(c, "jti")
	if !ok {
		return
	}
	row, err := h.Tokens.Status(c.Request.Context(), p, jti)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jti":           row.JTI,
		"agent_id":      row.AgentID,
		"credential_id": row.CredentialID,
		"status":        row.Status,
		"expires_at":    row.ExpiresAt,
		"usage_count":   row.UsageCount,
		"max_usages":    row.MaxUsages,
		"last_used":     row.LastUsed,
		"revoked_at":    row.RevokedAt,
	})
}

// RevokeToken revokes a token. Repeating the call succeeds.
func (h *VaultHandler) RevokeToken(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	jti, ok := pathUUID(c, "jti")
	if !ok {
		return
	}
	if err := h.Tokens.Revoke(c.Request.Context(), p, jti); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResolveToken exchanges an ephemeral token for the plaintext it grants.
// The token is read from the Authorization header or the JSON body.
func (h *VaultHandler) ResolveToken(c *gin.Context) {
	raw, ok := middleware.BearerToken(c.Request)
	if !ok {
		var req struct {
			Token string `json:"token"`
		}
		if c.Request.ContentLength != 0 {
			_ = c.ShouldBindJSON(&req)
		}
		raw = strings.TrimSpace(req.Token)
	}
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	secret, grant, err := h.Tokens.ResolveAndDecrypt(c.Request.Context(), raw)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer secret.Wipe()
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"credential_id": grant.CredentialID,
		"agent_id":      grant.AgentID,
		"expires_at":    grant.ExpiresAt,
		"usage_count":   grant.UsageCount,
		"secret":        secret.Reveal(),
	})
}
