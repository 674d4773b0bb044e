package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/domain"
)

func TestRespondErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &VaultHandler{Logger: zap.NewNop()}

	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"validation", fmt.Errorf("create: %w: name must be 1-255 characters", domain.ErrValidation), http.StatusBadRequest,
			`{"error":"invalid_request","error_description":"name must be 1-255 characters"}`},
		{"not found", fmt.Errorf("get: %w", domain.ErrNotFound), http.StatusNotFound, `{"error":"not_found"}`},
		{"conflict", fmt.Errorf("%w: credential \"x\" already exists", domain.ErrConflict), http.StatusConflict, `{"error":"conflict"}`},
		{"unauthorized", fmt.Errorf("decrypt: %w", domain.ErrUnauthorized), http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"decryption", fmt.Errorf("open: %w", domain.ErrDecryption), http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"unavailable", fmt.Errorf("ping: %w", domain.ErrUnavailable), http.StatusServiceUnavailable, `{"error":"unavailable"}`},
		{"internal", errors.New("pq: relation does not exist"), http.StatusInternalServerError, `{"error":"server_error"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/credentials", nil)

			h.respondError(c, tc.err)

			require.Equal(t, tc.status, w.Code)
			require.JSONEq(t, tc.body, w.Body.String())
			if tc.status == http.StatusServiceUnavailable {
				require.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}
