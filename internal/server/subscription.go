package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
)

type cancelSubscriptionRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type platformRequest struct {
	Plan       string `json:"plan"`
	BillingDay int    `json:"billing_day"`
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	overview, err := s.subscriptionSvc.GetSubscriptionStatus(c.Request.Context(), companyID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": overview})
}

func (s *Server) InstallApp(c *gin.Context) {
	s.appAction(c, s.subscriptionSvc.InstallApp, http.StatusCreated)
}

func (s *Server) UpgradeTrial(c *gin.Context) {
	s.appAction(c, s.subscriptionSvc.UpgradeTrial, http.StatusOK)
}

func (s *Server) Resubscribe(c *gin.Context) {
	s.appAction(c, s.subscriptionSvc.Resubscribe, http.StatusOK)
}

type appActionFunc func(ctx context.Context, companyID, appID snowflake.ID) (subscriptiondomain.CompanyAppSubscription, error)

func (s *Server) appAction(c *gin.Context, action appActionFunc, status int) {
	appID, err := parseSnowflakeID(c.Param("app_id"))
	if err != nil {
		AbortWithError(c, newValidationError("app_id", "invalid_app", "invalid app id"))
		return
	}
	sub, err := action(c.Request.Context(), companyID(c), appID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(status, gin.H{"data": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	id, err := parseSnowflakeID(req.ID)
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_subscription_target", "invalid subscription id"))
		return
	}

	target := subscriptiondomain.Target{
		Kind: subscriptiondomain.Kind(strings.ToLower(strings.TrimSpace(req.Kind))),
		ID:   id,
	}
	if err := s.subscriptionSvc.CancelSubscription(c.Request.Context(), companyID(c), target); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) SubscribePlatform(c *gin.Context) {
	var req platformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.BillingDay == 0 {
		req.BillingDay = s.clock.Now().Day()
	}

	sub, err := s.subscriptionSvc.SubscribePlatform(c.Request.Context(), companyID(c), planCode(req.Plan), req.BillingDay)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) UpgradePlan(c *gin.Context) {
	var req platformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.UpgradePlan(c.Request.Context(), companyID(c), planCode(req.Plan))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) SubscribeBundle(c *gin.Context) {
	slug := strings.TrimSpace(c.Param("slug"))
	members, err := s.subscriptionSvc.SubscribeToBundle(c.Request.Context(), companyID(c), slug)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": members})
}

func planCode(raw string) catalogdomain.PlanCode {
	return catalogdomain.PlanCode(strings.ToUpper(strings.TrimSpace(raw)))
}
