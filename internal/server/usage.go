package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/walletledger/internal/observability/logger"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	"github.com/smallbiznis/walletledger/internal/usage/liveevents"
	"go.uber.org/zap"
)

type recordUsageRequest struct {
	Feature        string     `json:"feature"`
	Quantity       int64      `json:"quantity"`
	UnitCost       int64      `json:"unit_cost"`
	OccurredAt     *time.Time `json:"occurred_at"`
	IdempotencyKey string     `json:"idempotency_key"`
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if feature := strings.TrimSpace(req.Feature); feature != "" {
		c.Set("usage_feature", feature)
	}

	record := usagedomain.RecordUsageRequest{
		CompanyID:      companyID(c),
		Feature:        req.Feature,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if req.OccurredAt != nil {
		record.OccurredAt = req.OccurredAt.UTC()
	}

	usage, err := s.usageSvc.RecordUsage(c.Request.Context(), record)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usage})
}

func (s *Server) GetMonthlyUsage(c *gin.Context) {
	start, end, err := periodFromQuery(c.Query("period_start"), c.Query("period_end"), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.usageSvc.GetMonthlyUsage(c.Request.Context(), companyID(c), start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usage})
}

// StreamUsageEvents serves recorded usage for the caller's company as
// server-sent events, starting with the recent backlog. Repeated feature
// query parameters narrow the stream.
func (s *Server) StreamUsageEvents(c *gin.Context) {
	if s.liveUsage == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	subscription, backlog, err := s.liveUsage.Subscribe(companyID(c).String(), c.QueryArray("feature")...)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer func() {
		subscription.Close()
		if dropped := subscription.Dropped(); dropped > 0 {
			obslogger.FromContext(c.Request.Context()).Warn("usage live stream dropped events",
				zap.Uint64("dropped", dropped),
			)
		}
	}()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	for _, event := range backlog {
		if err := writeUsageEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writeUsageEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeUsageEvent(w io.Writer, event liveevents.LiveEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
