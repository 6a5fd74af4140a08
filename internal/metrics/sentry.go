package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	// HTTP status code threshold for considering a request successful
	successStatusCodeThreshold = http.StatusBadRequest
)

// SentryMetrics handles custom metrics for Sentry
type SentryMetrics struct {
	enabled bool
}

// NewSentryMetrics creates a new Sentry metrics client
func NewSentryMetrics() *SentryMetrics {
	return &SentryMetrics{
		enabled: true, // Always enabled if Sentry is configured
	}
}

// RecordAPIRequest records API request metrics. controlType is set for
// requests that carried a control message.
func (m *SentryMetrics) RecordAPIRequest(ctx context.Context, endpoint string, statusCode int, duration time.Duration, controlType string) {
	if !m.enabled {
		return
	}

	span := sentry.StartSpan(ctx, "api.request")
	defer span.Finish()

	span.SetTag("endpoint", endpoint)
	span.SetTag("status_code", fmt.Sprintf("%d", statusCode))
	span.SetTag("success", fmt.Sprintf("%t", statusCode < successStatusCodeThreshold))
	if controlType != "" {
		span.SetTag("control_type", controlType)
	}

	span.SetData("duration_ms", duration.Milliseconds())
	span.SetData("endpoint", endpoint)
	span.SetData("status_code", statusCode)

	if statusCode < successStatusCodeThreshold {
		span.Status = sentry.SpanStatusOK
	} else {
		span.Status = sentry.SpanStatusInternalError
	}

	span.Description = fmt.Sprintf("API Request: %s", endpoint)
}

// RecordDispatch records one relay envelope being applied to the mediator
func (m *SentryMetrics) RecordDispatch(ctx context.Context, controlType string, writes int, duration time.Duration, err error) {
	if !m.enabled {
		return
	}

	span := sentry.StartSpan(ctx, "relay.dispatch")
	defer span.Finish()

	span.SetTag("control_type", controlType)
	span.SetData("writes", writes)
	span.SetData("duration_ms", duration.Milliseconds())

	if err != nil {
		span.Status = sentry.SpanStatusUnavailable
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Description = fmt.Sprintf("Dispatch: %s", controlType)
}

// RecordControl records one control arriving over an observer socket.
// outcome is accepted, invalid or unauthorized.
func (m *SentryMetrics) RecordControl(ctx context.Context, source, controlType, outcome string) {
	if !m.enabled {
		return
	}

	span := sentry.StartSpan(ctx, "relay.control")
	defer span.Finish()

	span.SetTag("source", source)
	span.SetTag("control_type", controlType)
	span.SetTag("outcome", outcome)

	if outcome == "accepted" {
		span.Status = sentry.SpanStatusOK
	} else {
		span.Status = sentry.SpanStatusInvalidArgument
	}
	span.Description = fmt.Sprintf("Control: %s via %s", controlType, source)
}
