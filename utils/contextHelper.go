package utils

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const ContextKeyCorrelationId = contextKey("CorrelationId")

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyCorrelationId).(string)
	return v, ok
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationId, correlationId)
}

// EnsureCorrelationId keeps an existing id or attaches a fresh one.
func EnsureCorrelationId(ctx context.Context) (context.Context, string) {
	if id, ok := GetCorrelationIdFromContext(ctx); ok && id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return SetCorrelationIdInContext(ctx, id), id
}
