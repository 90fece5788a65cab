package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/tenantcontext"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
)

func (s *Server) RecordUsage(c *gin.Context) {
	var req usagedomain.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	if usageType := strings.TrimSpace(req.UsageType); usageType != "" {
		c.Set("usage_type", usageType)
	}

	result, err := s.usageSvc.Record(c.Request.Context(), req)
	if err != nil {
		var denied *usagedomain.DeniedError
		if errors.As(err, &denied) {
			c.Set("entitlement_reason", string(denied.Result.Reason))
			c.JSON(http.StatusForbidden, denied.Result)
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	tenantID, ok := tenantcontext.TenantIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	summary, err := s.forecastSvc.Summarize(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if summary == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	tenantID, ok := tenantcontext.TenantIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query struct {
		pagination.Pagination
		UsageType string `form:"usageType"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	resp, err := s.usageSvc.ListEvents(c.Request.Context(), usagedomain.ListEventsRequest{
		TenantID:  tenantID,
		UsageType: strings.TrimSpace(query.UsageType),
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
