package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
)

type depositRequest struct {
	Amount        int64          `json:"amount"`
	PaymentMethod string         `json:"payment_method"`
	Reference     string         `json:"reference"`
	Metadata      map[string]any `json:"metadata"`
}

type refundRequest struct {
	Amount                int64  `json:"amount"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Description           string `json:"description"`
}

type adjustmentRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) GetWallet(c *gin.Context) {
	wallet, err := s.walletSvc.GetBalance(c.Request.Context(), companyID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": wallet})
}

func (s *Server) ListTransactions(c *gin.Context) {
	req := walletdomain.ListTransactionsRequest{
		CompanyID: companyID(c),
		PageToken: strings.TrimSpace(c.Query("page_token")),
	}
	for _, raw := range strings.Split(c.Query("type"), ",") {
		if t := strings.ToUpper(strings.TrimSpace(raw)); t != "" {
			req.Types = append(req.Types, walletdomain.TransactionType(t))
		}
	}

	from, err := parseOptionalTime(c.Query("from"))
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_time", "invalid from"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"))
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_time", "invalid to"))
		return
	}
	req.From, req.To = from, to

	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}
	req.PageSize = pageSize
	req.Ascending = strings.EqualFold(c.Query("order"), "asc")

	resp, err := s.walletSvc.ListTransactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) CreateDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.walletSvc.Deposit(c.Request.Context(), walletdomain.DepositRequest{
		CompanyID:     companyID(c),
		Amount:        req.Amount,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Reference:     strings.TrimSpace(req.Reference),
		Metadata:      req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": result})
}

func (s *Server) CreateRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	refund := walletdomain.RefundRequest{
		CompanyID:   companyID(c),
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		Metadata:    map[string]any{"actor_id": actorID(c)},
	}
	if raw := strings.TrimSpace(req.OriginalTransactionID); raw != "" {
		id, err := parseSnowflakeID(raw)
		if err != nil {
			AbortWithError(c, newValidationError("original_transaction_id", "invalid_id", "invalid original_transaction_id"))
			return
		}
		refund.OriginalTransactionID = &id
	}

	tx, err := s.walletSvc.Refund(c.Request.Context(), refund)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": tx})
}

func (s *Server) CreateAdjustment(c *gin.Context) {
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tx, err := s.walletSvc.Adjust(c.Request.Context(), walletdomain.AdjustmentRequest{
		CompanyID:   companyID(c),
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		ActorID:     actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": tx})
}

func (s *Server) ReconcileWallet(c *gin.Context) {
	report, err := s.walletSvc.Reconcile(c.Request.Context(), companyID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) ArchiveWallet(c *gin.Context) {
	wallet, err := s.walletSvc.ArchiveWallet(c.Request.Context(), companyID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": wallet})
}
