package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
)

type cancelSubscriptionRequest struct {
	TenantID string `json:"tenantId" binding:"required,max=64"`
}

func (s *Server) ProvisionSubscription(c *gin.Context) {
	var req subscriptiondomain.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	sub, err := s.subscriptionSvc.Provision(c.Request.Context(), subscriptiondomain.ProvisionRequest{
		TenantID: strings.TrimSpace(req.TenantID),
		PlanCode: strings.TrimSpace(req.PlanCode),
		IsTrial:  req.IsTrial,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), req.TenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionInactive) {
			err = subscriptiondomain.ErrSubscriptionNotFound
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		TenantID string `form:"tenantId" binding:"required,max=64"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	items, err := s.subscriptionSvc.List(c.Request.Context(), query.TenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
