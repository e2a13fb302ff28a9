package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/walletledger/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	rateLimitReasonCompanyRate        = "company-rate"
	rateLimitReasonFeatureConcurrency = "feature-concurrency"
)

type usageIngestRateLimitKey struct {
	Feature string `json:"feature"`
}

// UsageIngestRateLimit throttles usage recording per company and allows one
// in-flight record per company feature.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		company := companyID(c).String()
		endpoint := normalizeRateLimitEndpoint(c)

		decision, err := s.usageLimiter.AllowCompany(ctx, company)
		if err != nil {
			obslogger.FromContext(ctx).Warn("usage ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !decision.Allowed {
			s.denyUsageIngest(c, endpoint, rateLimitReasonCompanyRate, decision.RetryAfter)
			return
		}

		feature, err := readUsageIngestFeature(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if feature != "" {
			lease, ok, err := s.usageLimiter.TryLockFeature(ctx, company, feature)
			if err != nil {
				obslogger.FromContext(ctx).Warn("usage ingest concurrency lock failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !ok {
				s.denyUsageIngest(c, endpoint, rateLimitReasonFeatureConcurrency, time.Second)
				return
			}
			defer func() {
				if err := lease.Release(ctx); err != nil {
					obslogger.FromContext(ctx).Warn("usage ingest concurrency unlock failed", zap.Error(err))
				}
			}()
		}

		s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		c.Next()
	}
}

func (s *Server) denyUsageIngest(c *gin.Context, endpoint, reason string, retryAfter time.Duration) {
	ctx := c.Request.Context()
	obslogger.FromContext(ctx).Warn("usage ingest rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, reason)

	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

// readUsageIngestFeature peeks at the body and restores it for the handler.
func readUsageIngestFeature(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload usageIngestRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.Feature), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
