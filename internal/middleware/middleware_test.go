package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func adminToken(t *testing.T, secret, role string, exp time.Time, method jwt.SigningMethod) string {
	t.Helper()
	claims := AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticate(t *testing.T) {
	hour := time.Now().Add(time.Hour)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid admin", "Bearer " + adminToken(t, testSecret, "admin", hour, jwt.SigningMethodHS256), http.StatusOK},
		{"lowercase scheme", "bearer " + adminToken(t, testSecret, "admin", hour, jwt.SigningMethodHS256), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + adminToken(t, "other", "admin", hour, jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + adminToken(t, testSecret, "admin", hour, jwt.SigningMethodHS512), http.StatusUnauthorized},
		{"expired", "Bearer " + adminToken(t, testSecret, "admin", time.Now().Add(-time.Minute), jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"not an admin", "Bearer " + adminToken(t, testSecret, "viewer", hour, jwt.SigningMethodHS256), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/admin", NewAuthMiddleware(testSecret).Authenticate(), func(c *gin.Context) {
				c.String(http.StatusOK, c.GetString(ContextAdminSubject))
			})
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			w := serve(r, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "ops@example.com", w.Body.String())
			}
		})
	}
}

func TestTenant(t *testing.T) {
	def := uuid.New()
	explicit := uuid.New()
	r := gin.New()
	r.POST("/hook", Tenant(def), func(c *gin.Context) {
		c.String(http.StatusOK, TenantID(c).String())
	})

	w := serve(r, httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, def.String(), w.Body.String())

	w = serve(r, httptest.NewRequest(http.MethodPost, "/hook?tenant_id="+explicit.String(), nil))
	assert.Equal(t, explicit.String(), w.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/hook?tenant_id="+uuid.NewString(), nil)
	req.Header.Set(HeaderTenantID, explicit.String())
	w = serve(r, req)
	assert.Equal(t, explicit.String(), w.Body.String(), "header wins over query")

	w = serve(r, httptest.NewRequest(http.MethodPost, "/hook?tenant_id=acme", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimiter_PerClientIP(t *testing.T) {
	r := gin.New()
	r.POST("/hook", NewRateLimiter(RateLimiterConfig{Rate: PerMinute(2), Burst: 2}).RateLimit(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	from := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.RemoteAddr = ip + ":4711"
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusOK, from("10.0.0.1"))
	assert.Equal(t, http.StatusOK, from("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, from("10.0.0.1"))
	assert.Equal(t, http.StatusOK, from("10.0.0.2"))
}

func TestPerMinute(t *testing.T) {
	assert.Equal(t, rate.Every(600*time.Millisecond), PerMinute(100))
}

func TestSizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/hook", SizeLimit(16), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := serve(r, httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(strings.Repeat("x", 17))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.GET("/", RequestID(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextTraceID))
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	rid := w.Header().Get(HeaderXRequestID)
	_, err := uuid.Parse(rid)
	assert.NoError(t, err)
	assert.Equal(t, rid, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "req-1")
	req.Header.Set(HeaderCloudTrace, "105445aa7843bc8bf206b12000100000/1;o=1")
	w = serve(r, req)
	assert.Equal(t, "req-1", w.Header().Get(HeaderXRequestID))
	assert.Equal(t, "105445aa7843bc8bf206b12000100000", w.Body.String())
}
