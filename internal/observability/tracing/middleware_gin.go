package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/affiliate-automation/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request, continuing any inbound
// trace, and tags it with the owner and automation the route addresses.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("affiliate-automation/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))

		requestID := obscontext.RequestIDFromContext(ctx)
		if requestID != "" {
			member, err := baggage.NewMember("request_id", requestID)
			if err == nil {
				bag, bagErr := baggage.New(member)
				if bagErr == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		// owner-scoped routes tag the span and the request logger
		if ownerID := strings.TrimSpace(c.Param("owner_id")); ownerID != "" {
			ctx = obscontext.WithOwnerID(ctx, ownerID)
			span.SetAttributes(attribute.String("automation.owner_id", ownerID))
		}
		if automationID := strings.TrimSpace(c.Param("id")); automationID != "" {
			span.SetAttributes(attribute.String("automation.id", automationID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)...)

		if triggerType := c.GetString("trigger_type"); triggerType != "" {
			span.SetAttributes(attribute.String("automation.trigger_type", triggerType))
		}
		if status := c.Writer.Status(); status == http.StatusTooManyRequests {
			span.AddEvent("rate_limited", trace.WithAttributes(
				attribute.String("reason", c.Writer.Header().Get("X-Rate-Limited-Reason")),
			))
		} else if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}
