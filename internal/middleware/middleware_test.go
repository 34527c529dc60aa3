// internal/middleware/middleware_test.go
package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

func newProtectedRouter(roles ...models.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", AuthRequired(), RequireRole(roles...), func(c *gin.Context) {
		entityID, _ := c.Get("entity_id")
		role, _ := utils.GetRoleFromContext(c)
		c.JSON(http.StatusOK, gin.H{"role": role, "entity_id": entityID})
	})
	return r
}

func issue(t *testing.T, role models.Role) string {
	t.Helper()
	utils.SetJWTSecret("middleware-test")
	entityID := uuid.New()
	token, err := utils.GenerateJWT(uuid.New(), "tester", string(role), &entityID, 1)
	require.NoError(t, err)
	return token
}

func TestAuthRequired(t *testing.T) {
	r := newProtectedRouter(models.RoleManufacturer)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + issue(t, models.RoleManufacturer), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireRoleRejectsOtherRoles(t *testing.T) {
	r := newProtectedRouter(models.RoleDistributor)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, models.RolePharmacy))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	var body utils.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "FORBIDDEN", body.Error.Code)
}

func TestRequireRoleSetsClaims(t *testing.T) {
	r := newProtectedRouter(models.RoleDistributor, models.RolePharmacy)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, models.RolePharmacy))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "pharmacy", body["role"])
	assert.NotEmpty(t, body["entity_id"])
}

func TestParseLanguage(t *testing.T) {
	assert.Equal(t, "en", parseLanguage(""))
	assert.Equal(t, "vi", parseLanguage("vi-VN,vi;q=0.9,en;q=0.8"))
	assert.Equal(t, "en", parseLanguage("fr-FR"))
}

func TestExtractResourceType(t *testing.T) {
	assert.Equal(t, "transfers", extractResourceType("/v1/manufacturer/transfers/"+uuid.NewString()+"/confirm"))
	assert.Equal(t, "auth", extractResourceType("/v1/auth/login"))
	assert.Equal(t, "payments", extractResourceType("/v1/payments/invoices/x/intent"))
	assert.Equal(t, "health", extractResourceType("/health"))
}

func TestRedactSecrets(t *testing.T) {
	data := map[string]interface{}{
		"signing_key": "0xabc",
		"password":    "secret",
		"token_ids":   []string{"1"},
	}
	redactSecrets(data)
	assert.Equal(t, "[REDACTED]", data["signing_key"])
	assert.Equal(t, "[REDACTED]", data["password"])
	assert.Equal(t, []string{"1"}, data["token_ids"])

	redactSecrets(nil)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(0, 1, nil)
	r := gin.New()
	r.GET("/", limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}

func TestRateLimiterChargesPerEntity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(0, 1, ByEntity)
	r := gin.New()
	r.POST("/", func(c *gin.Context) {
		c.Set("entity_id", c.GetHeader("X-Entity"))
		c.Next()
	}, limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(entity string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Entity", entity)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusOK, send("b"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"))
}
