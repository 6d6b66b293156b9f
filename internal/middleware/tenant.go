package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderTenantID  = "X-Tenant-ID"
	ContextTenantID = "tenant_id"
)

// Tenant resolves the tenant from the X-Tenant-ID header or the tenant_id
// query parameter, falling back to defaultTenant. The push provider can only
// be configured with a URL, so the query parameter is the usual source for
// webhook deliveries.
func Tenant(defaultTenant uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderTenantID)
		if raw == "" {
			raw = c.Query("tenant_id")
		}

		tenantID := defaultTenant
		if raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
					Code:    http.StatusBadRequest,
					Message: "invalid tenant id",
					TraceID: c.GetString(ContextTraceID),
				})
				return
			}
			tenantID = id
		}

		c.Set(ContextTenantID, tenantID)
		c.Next()
	}
}

// TenantID returns the tenant resolved by Tenant.
func TenantID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ContextTenantID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
