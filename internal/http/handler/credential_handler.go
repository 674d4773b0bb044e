package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/credential"
	"github.com/smallbiznis/agentkey/internal/domain"
)

type rotationBody struct {
	Enabled         bool  `json:"enabled"`
	IntervalSeconds int64 `json:"interval_seconds"`
}

func (r rotationBody) policy() domain.RotationPolicy {
	return domain.RotationPolicy{Enabled: r.Enabled, Interval: time.Duration(r.IntervalSeconds) * time.Second}
}

type credentialResponse struct {
	ID              uuid.UUID         `json:"id"`
	AgentID         uuid.UUID         `json:"agent_id"`
	TeamID          uuid.UUID         `json:"team_id"`
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IsActive        bool              `json:"is_active"`
	Rotation        rotationBody      `json:"rotation"`
	CurrentVersion  int               `json:"current_version"`
	LastRotated     *time.Time        `json:"last_rotated,omitempty"`
	NextRotationDue *time.Time        `json:"next_rotation_due,omitempty"`
	LastAccessed    *time.Time        `json:"last_accessed,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func toCredentialResponse(cred domain.Credential) credentialResponse {
	return credentialResponse{
		ID:          cred.ID,
		AgentID:     cred.AgentID,
		TeamID:      cred.TeamID,
		Name:        cred.Name,
		Type:        cred.Type,
		Description: cred.Description,
		Metadata:    cred.Metadata,
		IsActive:    cred.IsActive,
		Rotation: rotationBody{
			Enabled:         cred.Rotation.Enabled,
			IntervalSeconds: int64(cred.Rotation.Interval / time.Second),
		},
		CurrentVersion:  cred.CurrentVersion,
		LastRotated:     cred.LastRotated,
		NextRotationDue: cred.NextRotationDue,
		LastAccessed:    cred.LastAccessed,
		CreatedAt:       cred.CreatedAt,
		UpdatedAt:       cred.UpdatedAt,
	}
}

// CreateCredential stores a new secret.
func (h *VaultHandler) CreateCredential(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req struct {
		AgentID     string            `json:"agent_id"`
		Name        string            `json:"name"`
		Type        string            `json:"type"`
		Secret      string            `json:"secret"`
		Description string            `json:"description"`
		Metadata    map[string]string `json:"metadata"`
		Rotation    rotationBody      `json:"rotation"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid payload.")
		return
	}
	var agentID uuid.UUID
	if req.AgentID != "" {
		id, err := uuid.Parse(req.AgentID)
		if err != nil {
			badRequest(c, "agent_id must be a uuid")
			return
		}
		agentID = id
	}

	secret := domain.NewSecret([]byte(req.Secret))
	defer secret.Wipe()

	cred, err := h.Credentials.Create(c.Request.Context(), p, credential.CreateInput{
		AgentID:     agentID,
		Name:        req.Name,
		Type:        req.Type,
		Secret:      secret,
		Description: req.Description,
		Metadata:    req.Metadata,
		Rotation:    req.Rotation.policy(),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toCredentialResponse(cred))
}

// ListCredentials returns one page of credentials visible to the caller.
func (h *VaultHandler) ListCredentials(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	agentID, ok := queryUUID(c, "agent_id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	filter := domain.CredentialFilter{AgentID: agentID, Limit: limit, Cursor: c.Query("cursor")}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "active must be a boolean")
			return
		}
		filter.Active = &active
	}

	page, err := h.Credentials.List(c.Request.Context(), p, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := make([]credentialResponse, 0, len(page.Items))
	for _, cred := range page.Items {
		items = append(items, toCredentialResponse(cred))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "next_cursor": page.NextCursor})
}

// GetCredential returns credential metadata.
func (h *VaultHandler) GetCredential(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	cred, err := h.Credentials.Get(c.Request.Context(), p, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCredentialResponse(cred))
}

// UpdateCredential changes non-secret fields.
func (h *VaultHandler) UpdateCredential(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Description *string           `json:"description"`
		Metadata    map[string]string `json:"metadata"`
		IsActive    *bool             `json:"is_active"`
		Rotation    *rotationBody     `json:"rotation"`
		Secret      *string           `json:"secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid payload.")
		return
	}
	if req.Secret != nil {
		badRequest(c, "secret values change through rotate")
		return
	}
	upd := domain.CredentialUpdate{Description: req.Description, Metadata: req.Metadata, IsActive: req.IsActive}
	if req.Rotation != nil {
		policy := req.Rotation.policy()
		upd.Rotation = &policy
	}

	cred, err := h.Credentials.Update(c.Request.Context(), p, id, upd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCredentialResponse(cred))
}

// DeleteCredential soft-deletes a credential and revokes its tokens.
func (h *VaultHandler) DeleteCredential(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := h.Credentials.Delete(c.Request.Context(), p, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DecryptCredential returns the current plaintext.
func (h *VaultHandler) DecryptCredential(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	secret, err := h.Credentials.Decrypt(c.Request.Context(), p, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer secret.Wipe()
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"credential_id": id, "secret": secret.Reveal()})
}

// RotateCredential appends a new version. An empty secret is generated.
func (h *VaultHandler) RotateCredential(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid payload.")
			return
		}
	}
	secret := domain.NewSecret([]byte(req.Secret))
	defer secret.Wipe()

	cred, err := h.Credentials.Rotate(c.Request.Context(), p, id, secret)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCredentialResponse(cred))
}

// ListVersions returns the version history without ciphertext.
func (h *VaultHandler) ListVersions(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	versions, err := h.Credentials.Versions(c.Request.Context(), p, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	type versionResponse struct {
		Version    int        `json:"version"`
		Status     string     `json:"status"`
		KeyVersion int        `json:"key_version"`
		CreatedAt  time.Time  `json:"created_at"`
		ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	}
	items := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionResponse{
			Version:    v.Version,
			Status:     string(v.Status),
			KeyVersion: v.Sealed.KeyVersion,
			CreatedAt:  v.CreatedAt,
			ExpiresAt:  v.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
