package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

// CheckEntitlement answers 200 when allowed and 403 when denied, with the same body.
func (s *Server) CheckEntitlement(c *gin.Context) {
	var req entitlementdomain.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	if err := ensureTenantScope(c, req.TenantID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("usage_type", req.UsageType)

	result, err := s.entitlementSvc.Check(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("entitlement_reason", string(result.Reason))

	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusForbidden
	}
	c.JSON(status, result)
}
