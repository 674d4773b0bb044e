package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/domain"
)

// RegisterAgent creates an agent in the caller's team and returns its API
// key once.
func (h *VaultHandler) RegisterAgent(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name is required")
		return
	}
	agent, key, err := h.Gate.RegisterAgent(c.Request.Context(), p, req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{
		"id":         agent.ID,
		"team_id":    agent.TeamID,
		"name":       agent.Name,
		"status":     agent.Status,
		"key_prefix": agent.KeyPrefix,
		"api_key":    key,
		"created_at": agent.CreatedAt,
	})
}

type agentResponse struct {
	ID        uuid.UUID `json:"id"`
	TeamID    uuid.UUID `json:"team_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateAgent changes an agent's status. Suspending or archiving an agent
// revokes its outstanding tokens.
func (h *VaultHandler) UpdateAgent(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "agent_id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	agent, err := h.Gate.SetAgentStatus(c.Request.Context(), p, id, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentResponse{
		ID:        agent.ID,
		TeamID:    agent.TeamID,
		Name:      agent.Name,
		Status:    agent.Status,
		KeyPrefix: agent.KeyPrefix,
		CreatedAt: agent.CreatedAt,
	})
}

func (h *VaultHandler) DeleteAgent(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "agent_id")
	if !ok {
		return
	}
	if err := h.Gate.DeleteAgent(c.Request.Context(), p, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type teamKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	KeyPrefix string    `json:"key_prefix"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toTeamKeyResponse(k domain.TeamKey) teamKeyResponse {
	return teamKeyResponse{ID: k.ID, Name: k.Name, KeyPrefix: k.KeyPrefix, CreatedAt: k.CreatedAt}
}

func (h *VaultHandler) ListTeamKeys(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	keys, err := h.Gate.ListTeamKeys(c.Request.Context(), p)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := make([]teamKeyResponse, 0, len(keys))
	for _, k := range keys {
		items = append(items, toTeamKeyResponse(k))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// CreateTeamKey issues another admin key and returns it once.
func (h *VaultHandler) CreateTeamKey(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name is required")
		return
	}
	key, raw, err := h.Gate.CreateTeamKey(c.Request.Context(), p, req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	resp := toTeamKeyResponse(key)
	resp.APIKey = raw
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, resp)
}

func (h *VaultHandler) RevokeTeamKey(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := h.Gate.RevokeTeamKey(c.Request.Context(), p, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type auditResponse struct {
	ID           int64      `json:"id,string"`
	Action       string     `json:"action"`
	ActorKind    string     `json:"actor_kind,omitempty"`
	ActorID      *uuid.UUID `json:"actor_id,omitempty"`
	AgentID      *uuid.UUID `json:"agent_id,omitempty"`
	CredentialID *uuid.UUID `json:"credential_id,omitempty"`
	TokenJTI     *uuid.UUID `json:"token_jti,omitempty"`
	IP           string     `json:"ip,omitempty"`
	Outcome      string     `json:"outcome"`
	Reason       string     `json:"reason,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

func optionalID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// ListAudit returns the newest audit events of the caller's team. Only team
// admin keys may read the log.
func (h *VaultHandler) ListAudit(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if p.Kind != domain.PrincipalAdmin {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	credentialID, ok := queryUUID(c, "credential_id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	events, err := h.Audit.List(c.Request.Context(), p.TeamID, credentialID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := make([]auditResponse, 0, len(events))
	for _, e := range events {
		items = append(items, auditResponse{
			ID:           e.ID,
			Action:       e.Action,
			ActorKind:    string(e.ActorKind),
			ActorID:      optionalID(e.ActorID),
			AgentID:      optionalID(e.AgentID),
			CredentialID: optionalID(e.CredentialID),
			TokenJTI:     optionalID(e.TokenJTI),
			IP:           e.IP,
			Outcome:      string(e.Outcome),
			Reason:       e.Reason,
			OccurredAt:   e.OccurredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
