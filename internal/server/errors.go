package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/walletledger/internal/observability/logger"
	"github.com/smallbiznis/walletledger/pkg/ledgererr"
	"go.uber.org/zap"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrCompanyRequired    = ledgererr.New(ledgererr.KindValidation, "company_required")
	ErrActorRequired      = ledgererr.New(ledgererr.KindValidation, "actor_required")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusInternalServerError {
			obslogger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("route", c.FullPath()),
				zap.Error(lastErr.Err),
			)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError turns a classified ledger error into a status and a body that
// only carries the stable error code.
func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	}

	code := ledgererr.CodeOf(err)
	switch ledgererr.KindOf(err) {
	case ledgererr.KindValidation:
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Field: validationErrorField(code), Code: code, Message: "invalid value"}},
		}
	case ledgererr.KindInsufficientFunds, ledgererr.KindPaymentRequired:
		return http.StatusPaymentRequired, errorPayload{Type: string(ledgererr.KindOf(err)), Message: code}
	case ledgererr.KindConflict, ledgererr.KindDuplicateReference:
		return http.StatusConflict, errorPayload{Type: "conflict", Message: code}
	case ledgererr.KindForbidden:
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: code}
	case ledgererr.KindNotFound:
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: code}
	case ledgererr.KindPrerequisiteNotMet:
		return http.StatusUnprocessableEntity, errorPayload{Type: "prerequisite_not_met", Message: code}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

// classifyErrorForLog feeds the request logger's error_kind and error_code.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil && len(vErr.Errors) > 0 {
		return string(ledgererr.KindValidation), vErr.Errors[0].Code
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited", ErrRateLimited.Error()
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable", ErrServiceUnavailable.Error()
	}
	return string(ledgererr.KindOf(err)), ledgererr.CodeOf(err)
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_amount", "invalid_quantity", "invalid_unit_cost", "usage_cost_overflow":
		return "amount"
	case "missing_reference":
		return "reference"
	case "missing_actor", "actor_required", "invalid_actor_role":
		return "actor"
	case "invalid_company", "company_required":
		return "company"
	case "invalid_time_range", "invalid_period":
		return "period"
	case "invalid_page_token":
		return "page_token"
	case "invalid_billing_day":
		return "billing_day"
	case "invalid_plan":
		return "plan"
	case "invalid_feature":
		return "feature"
	case "invalid_idempotency_key":
		return "idempotency_key"
	}
	return "request"
}
