package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/walletledger/internal/companycontext"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const usageIngestRoute = "/v1/usage"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to its (kind, code) pair.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware logs one line per request. The logger is resolved after the
// handler chain ran so company and actor attached by route middleware are
// included.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDOf(c)
		c.Request = c.Request.WithContext(companycontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		ctx := c.Request.Context()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if feature := c.GetString("usage_feature"); feature != "" {
			fields = append(fields, zap.String("feature", feature))
		}

		var errorKind string
		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			kind, code := cfg.ErrorClassifier(lastErr.Err)
			errorKind = kind
			fields = append(fields, zap.String("error_kind", kind), zap.String("error_code", code))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		log := FromContext(ctx)
		switch requestLevel(route, status, errorKind) {
		case zap.DebugLevel:
			log.Debug("http_request", fields...)
		case zap.WarnLevel:
			log.Warn("http_request", fields...)
		case zap.ErrorLevel:
			log.Error("http_request", fields...)
		default:
			log.Info("http_request", fields...)
		}
	}
}

func requestIDOf(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader("X-Request-Id"))
	if requestID == "" {
		requestID = ulid.Make().String()
	}
	c.Set("request_id", requestID)
	c.Header("X-Request-Id", requestID)
	return requestID
}

// requestLevel keeps scrape and high-volume ingest noise out of info logs.
func requestLevel(route string, status int, errorKind string) zapcore.Level {
	switch {
	case route == "/metrics" || route == "/health":
		return zap.DebugLevel
	case status >= http.StatusInternalServerError:
		return zap.ErrorLevel
	case route == usageIngestRoute && errorKind == "validation":
		return zap.DebugLevel
	case errorKind == "insufficient_funds" || errorKind == "conflict" || errorKind == "forbidden":
		return zap.WarnLevel
	}
	return zap.InfoLevel
}
