package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/walletledger/internal/authorization"
	"github.com/smallbiznis/walletledger/internal/companycontext"
)

const (
	HeaderCompany = "X-Company-ID"
	HeaderActor   = "X-Actor-ID"
	HeaderRole    = "X-Actor-Role"
)

// CompanyContext trusts the company identifier set by the upstream gateway.
func CompanyContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderCompany))
		if raw == "" {
			AbortWithError(c, ErrCompanyRequired)
			return
		}
		companyID, err := snowflake.ParseString(raw)
		if err != nil || companyID <= 0 {
			AbortWithError(c, newValidationError("company", "invalid_company", "invalid company id"))
			return
		}

		ctx := companycontext.WithCompanyID(c.Request.Context(), companyID)
		if actorID := strings.TrimSpace(c.GetHeader(HeaderActor)); actorID != "" {
			ctx = companycontext.WithActor(ctx, companycontext.Actor{Type: companycontext.ActorTypeOperator, ID: actorID})
		} else {
			ctx = companycontext.WithActor(ctx, companycontext.Actor{Type: companycontext.ActorTypeUser, ID: companyID.String()})
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ActorRequired gates administrative endpoints on an operator identity.
func ActorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorID(c) == "" {
			AbortWithError(c, ErrActorRequired)
			return
		}
		c.Next()
	}
}

// Authorize checks the operator's role grant for action. Without an
// authorizer every identified operator is allowed.
func (s *Server) Authorize(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authzSvc == nil {
			c.Next()
			return
		}
		err := s.authzSvc.Authorize(c.Request.Context(), authorization.Request{
			CompanyID: companyID(c).String(),
			ActorID:   actorID(c),
			Role:      c.GetHeader(HeaderRole),
			Object:    authorization.ObjectWallet,
			Action:    action,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func companyID(c *gin.Context) snowflake.ID {
	id, _ := companycontext.CompanyIDFromContext(c.Request.Context())
	return id
}

func actorID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderActor))
}
