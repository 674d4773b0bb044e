package http_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/access"
	"github.com/smallbiznis/agentkey/internal/config"
	"github.com/smallbiznis/agentkey/internal/domain"
	vaulthttp "github.com/smallbiznis/agentkey/internal/http"
	"github.com/smallbiznis/agentkey/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/agentkey/internal/http/middleware"
	"github.com/smallbiznis/agentkey/internal/jwt"
	"github.com/smallbiznis/agentkey/internal/token"
	"github.com/smallbiznis/agentkey/internal/vaulttest"
)

type testServer struct {
	*vaulttest.Harness
	engine   *gin.Engine
	adminKey string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := vaulttest.New(t)
	tokens := token.NewService(h.Store, h.Store, h.Credentials, jwt.NewGenerator(h.SigningKeys, "agentkey"),
		h.Gate, h.Sink, h.Clock, token.Options{}, h.Logger)

	adminKey, err := access.GenerateKey(rand.Reader, access.TeamKeyPrefix)
	require.NoError(t, err)
	require.NoError(t, h.Gate.EnsureTeamKey(context.Background(), domain.Team{ID: uuid.New(), Name: "acme"}, "bootstrap", adminKey))

	cfg := config.Config{
		ServiceName:        "agentkey-test",
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST"},
		CORSAllowedHeaders: []string{"Authorization"},
	}
	vault := handler.NewVaultHandler(h.Credentials, tokens, h.Gate, h.Sink, h.Store, h.Logger)
	engine := vaulthttp.NewRouter(cfg, vault, &httpmiddleware.Auth{Gate: h.Gate}, nil, h.Logger)
	return &testServer{Harness: h, engine: engine, adminKey: adminKey}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) registerAgent(t *testing.T, name string) (string, string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/agents", s.adminKey, gin.H{"name": name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	return body["id"].(string), body["api_key"].(string)
}

func (s *testServer) createCredential(t *testing.T, agentKey, name, secret string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/credentials", agentKey, gin.H{"name": name, "secret": secret})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestCredentialAndTokenFlow(t *testing.T) {
	s := newTestServer(t)
	agentID, agentKey := s.registerAgent(t, "builder")
	credID := s.createCredential(t, agentKey, "openai-key", "sk-live-1")

	w := s.do(t, http.MethodGet, "/api/v1/credentials/"+credID, agentKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "sk-live-1")

	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/decrypt", agentKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "sk-live-1", decode(t, w)["secret"])
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = s.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/credentials/openai-key/token", agentKey, gin.H{"ttl_seconds": 300, "max_usages": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decode(t, w)
	ephemeral := issued["token"].(string)
	jti := issued["jti"].(string)

	w = s.do(t, http.MethodPost, "/api/v1/tokens/resolve", ephemeral, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "sk-live-1", decode(t, w)["secret"])

	w = s.do(t, http.MethodGet, "/api/v1/tokens/"+jti, agentKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	require.Equal(t, "active", status["status"])
	require.EqualValues(t, 1, status["usage_count"])

	w = s.do(t, http.MethodDelete, "/api/v1/tokens/"+jti, agentKey, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, "/api/v1/tokens/"+jti, agentKey, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tokens/resolve", "", gin.H{"token": ephemeral})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
}

func TestRotateAndVersions(t *testing.T) {
	s := newTestServer(t)
	_, agentKey := s.registerAgent(t, "builder")
	credID := s.createCredential(t, agentKey, "db-password", "hunter2")

	w := s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/rotate", agentKey, gin.H{"secret": "hunter3"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.EqualValues(t, 2, decode(t, w)["current_version"])

	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/rotate", agentKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/credentials/"+credID+"/versions", agentKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	require.Len(t, items, 3)
	require.NotContains(t, w.Body.String(), "hunter")

	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/decrypt", agentKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEqual(t, "hunter3", decode(t, w)["secret"])
}

func TestScopeIsEnforced(t *testing.T) {
	s := newTestServer(t)
	_, ownerKey := s.registerAgent(t, "owner")
	_, otherKey := s.registerAgent(t, "other")
	credID := s.createCredential(t, ownerKey, "stripe", "sk_stripe")

	for _, path := range []string{"/api/v1/credentials/" + credID + "/decrypt", "/api/v1/credentials/" + credID + "/tokens"} {
		w := s.do(t, http.MethodPost, path, otherKey, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, path)
		require.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
	}

	w := s.do(t, http.MethodPost, "/api/v1/credentials/"+uuid.NewString()+"/decrypt", otherKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/decrypt", s.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/credentials/"+uuid.NewString(), s.adminKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/credentials", otherKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode(t, w)["items"])

	w = s.do(t, http.MethodPost, "/api/v1/agents", ownerKey, gin.H{"name": "sneaky"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticationFailures(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/credentials", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/credentials", "ak_short", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())

	unknown, err := access.GenerateKey(rand.Reader, access.AgentKeyPrefix)
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/api/v1/credentials", unknown, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tokens/resolve", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	_, agentKey := s.registerAgent(t, "builder")
	credID := s.createCredential(t, agentKey, "github", "ghp_x")

	w := s.do(t, http.MethodPost, "/api/v1/credentials", agentKey, gin.H{"name": "", "secret": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request", decode(t, w)["error"])

	w = s.do(t, http.MethodPost, "/api/v1/credentials", agentKey, gin.H{"name": "github", "secret": "y"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/credentials/not-a-uuid", agentKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/credentials/"+credID, agentKey, gin.H{"secret": "sneaky"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	desc := "personal access token"
	w = s.do(t, http.MethodPatch, "/api/v1/credentials/"+credID, agentKey, gin.H{"description": desc})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, desc, decode(t, w)["description"])

	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/tokens", agentKey, gin.H{"ttl_seconds": 7200})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/credentials?limit=abc", agentKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteRevokesTokens(t *testing.T) {
	s := newTestServer(t)
	_, agentKey := s.registerAgent(t, "builder")
	credID := s.createCredential(t, agentKey, "slack", "xoxb-1")

	w := s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/tokens", agentKey, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	ephemeral := decode(t, w)["token"].(string)

	w = s.do(t, http.MethodDelete, "/api/v1/credentials/"+credID, agentKey, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tokens/resolve", ephemeral, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/credentials/"+credID, agentKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuditAndHealth(t *testing.T) {
	s := newTestServer(t)
	_, agentKey := s.registerAgent(t, "builder")
	credID := s.createCredential(t, agentKey, "aws", "AKIA")

	w := s.do(t, http.MethodGet, "/api/v1/audit", agentKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/audit?credential_id="+credID, s.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	require.NotEmpty(t, items)
	first := items[0].(map[string]any)
	require.Equal(t, credID, first["credential_id"])

	w = s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSuspendedAgentKeyIsRejected(t *testing.T) {
	s := newTestServer(t)
	agentID, agentKey := s.registerAgent(t, "builder")
	credID := s.createCredential(t, agentKey, "db", "pw")

	w := s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/tokens", agentKey, gin.H{"ttl_seconds": 60})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ephemeral := decode(t, w)["token"].(string)

	w = s.do(t, http.MethodPatch, "/api/v1/agents/"+agentID, agentKey, gin.H{"status": "suspended"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/agents/"+agentID, s.adminKey, gin.H{"status": "sleeping"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/agents/"+agentID, s.adminKey, gin.H{"status": "suspended"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "suspended", decode(t, w)["status"])

	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/decrypt", agentKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/tokens/resolve", ephemeral, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/agents/"+agentID, s.adminKey, gin.H{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/decrypt", agentKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/agents/"+agentID, s.adminKey, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/credentials/"+credID+"/decrypt", agentKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodDelete, "/api/v1/agents/"+agentID, s.adminKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTeamKeyLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/api-keys", s.adminKey, gin.H{"name": "ci"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	ciKey := created["api_key"].(string)
	ciID := created["id"].(string)

	w = s.do(t, http.MethodGet, "/api/v1/api-keys", ciKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	require.Len(t, items, 2)
	require.NotContains(t, w.Body.String(), ciKey)

	w = s.do(t, http.MethodDelete, "/api/v1/api-keys/"+ciID, ciKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/api-keys/"+ciID, s.adminKey, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/api-keys", ciKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodDelete, "/api/v1/api-keys/"+ciID, s.adminKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
