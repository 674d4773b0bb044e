package middleware_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/http/middleware"
)

type stubAuthenticator struct {
	principal domain.Principal
	err       error
	seen      string
}

func (s *stubAuthenticator) Authenticate(_ context.Context, apiKey string) (domain.Principal, error) {
	s.seen = apiKey
	return s.principal, s.err
}

func newEngine(auth *middleware.Auth) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestLogger(zap.NewNop()))
	r.GET("/whoami", auth.RequireAPIKey, func(c *gin.Context) {
		p, ok := middleware.GetPrincipal(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": p.ID, "kind": p.Kind})
	})
	return r
}

func TestRequireAPIKey(t *testing.T) {
	id := uuid.New()
	stub := &stubAuthenticator{principal: domain.Principal{Kind: domain.PrincipalAgent, ID: id}}
	r := newEngine(&middleware.Auth{Gate: stub})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "bearer ak_abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ak_abc", stub.seen)
	require.Contains(t, w.Body.String(), id.String())
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequireAPIKeyRejects(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
		status int
	}{
		{"missing header", "", nil, http.StatusUnauthorized},
		{"wrong scheme", "Basic Zm9vOmJhcg==", nil, http.StatusUnauthorized},
		{"empty token", "Bearer   ", nil, http.StatusUnauthorized},
		{"denied", "Bearer ak_x", fmt.Errorf("authenticate: %w", domain.ErrUnauthorized), http.StatusUnauthorized},
		{"store down", "Bearer ak_x", fmt.Errorf("authenticate: %w", domain.ErrUnavailable), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newEngine(&middleware.Auth{Gate: &stubAuthenticator{err: tc.err}})
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tc.status, w.Code)
		})
	}
}

func TestRequestIDPropagates(t *testing.T) {
	r := newEngine(&middleware.Auth{Gate: &stubAuthenticator{}})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}
