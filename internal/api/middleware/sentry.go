package middleware

import (
	"net/http"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/metrics"
	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const sentryFlushTimeout = 2 * time.Second

// gin context keys shared by the relay middleware and handlers
const (
	KeyRequestID   = "request_id"
	KeyControlType = "control_type"
	KeyEnvelopeID  = "envelope_id"
	KeyTokenGate   = "token_gate"
)

// Token gate outcomes
const (
	GatePassed   = "passed"
	GateRejected = "rejected"
)

var sentryMetrics = metrics.NewSentryMetrics()

// Metrics exposes the shared Sentry metrics so the pipeline can trace
// dispatches and websocket controls
func Metrics() *metrics.SentryMetrics {
	return sentryMetrics
}

// SetControl records which control a request carried and the envelope it
// was relayed as. envelopeID is empty for rejected controls.
func SetControl(c *gin.Context, controlType, envelopeID string) {
	c.Set(KeyControlType, controlType)
	tag(c, KeyControlType, controlType)
	if envelopeID != "" {
		c.Set(KeyEnvelopeID, envelopeID)
		tag(c, KeyEnvelopeID, envelopeID)
	}
}

func setGate(c *gin.Context, outcome string) {
	c.Set(KeyTokenGate, outcome)
	tag(c, KeyTokenGate, outcome)
}

func tag(c *gin.Context, key, value string) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.Scope().SetTag(key, value)
	}
}

// requestFields are the log fields of a request, including whatever the
// relay attached to it on the way through
func requestFields(c *gin.Context) logger.Fields {
	fields := logger.Fields{
		KeyRequestID: c.GetString(KeyRequestID),
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"client_ip":  c.ClientIP(),
	}
	for _, k := range []string{KeyControlType, KeyEnvelopeID, KeyTokenGate} {
		if v := c.GetString(k); v != "" {
			fields[k] = v
		}
	}
	return fields
}

// RequestTracking assigns a request ID, logs completion and records the
// request span. Observer upgrades are logged when the socket closes.
func RequestTracking() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set(KeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		tag(c, KeyRequestID, requestID)

		start := time.Now()
		c.Next()
		duration := time.Since(start)
		statusCode := c.Writer.Status()

		fields := requestFields(c).
			With("duration_ms", duration.Milliseconds()).
			With("status_code", statusCode)

		switch {
		case statusCode >= http.StatusInternalServerError:
			logger.Error("Request failed with server error", nil, fields)
		case statusCode >= http.StatusBadRequest:
			logger.Warn("Request failed with client error", fields)
		case c.GetString(KeyEnvelopeID) != "":
			logger.Info("Control relayed", fields)
		default:
			logger.Debug("Request completed", fields)
		}

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		sentryMetrics.RecordAPIRequest(c.Request.Context(), endpoint, statusCode, duration, c.GetString(KeyControlType))
	}
}

// SentryMiddleware attaches a Sentry hub to every request
func SentryMiddleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         sentryFlushTimeout,
	})
}

// RecoverWithSentry recovers from handler panics, reports them with the
// control being handled and answers 500
func RecoverWithSentry() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			fields := requestFields(c)
			if hub := sentrygin.GetHubFromContext(c); hub != nil {
				hub.WithScope(func(scope *sentry.Scope) {
					scope.SetRequest(c.Request)
					scope.SetContext("relay", map[string]interface{}(fields))
					hub.RecoverWithContext(c.Request.Context(), err)
				})
			}
			logger.Error("Panic recovered", nil, fields.With("error", err))

			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "Internal server error",
				"request_id": c.GetString(KeyRequestID),
			})
		}()
		c.Next()
	}
}
