package context

import (
	"context"
	"strings"

	"github.com/smallbiznis/affiliate-automation/pkg/telemetry/correlation"
)

type requestIDKey struct{}
type ownerIDKey struct{}
type actorKey struct{}

type actor struct {
	actorType string
	actorID   string
}

// WithRequestID stores the inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithOwnerID stores the affiliate owner the current work acts for.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerIDKey{}, ownerID)
}

func OwnerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ownerIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if v, ok := ctx.Value(actorKey{}).(actor); ok {
		return v.actorType, v.actorID
	}
	return "", ""
}

// CorrelationIDFromContext proxies to the correlation package so callers
// only import one context helper.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ExtractCorrelationID(ctx)
}
