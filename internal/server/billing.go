package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/walletledger/internal/billingreport/statement"
)

func (s *Server) GetBillingSummary(c *gin.Context) {
	start, end, err := periodFromQuery(c.Query("period_start"), c.Query("period_end"), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.billingSvc.BuildSummary(c.Request.Context(), companyID(c), start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) GetBillingStatement(c *gin.Context) {
	if s.statements == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	start, end, err := periodFromQuery(c.Query("period_start"), c.Query("period_end"), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.billingSvc.BuildSummary(c.Request.Context(), companyID(c), start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	doc, err := s.statements.Render(summary)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+statement.Filename(summary)+`"`)
	c.Data(http.StatusOK, "application/pdf", doc)
}
