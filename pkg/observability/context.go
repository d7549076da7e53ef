package observability

import "context"

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID stores the request correlation ID on the context so it
// survives across goroutine and component boundaries.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the correlation ID carried by ctx, or "" when
// the request was never tagged.
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// LogFields folds the request-scope identifiers from ctx into a field map
// for structured log calls. The input map is returned for chaining; nil is
// allocated on demand.
func LogFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id := GetCorrelationID(ctx)
	if id == "" {
		return fields
	}
	if fields == nil {
		fields = make(map[string]interface{}, 1)
	}
	fields["correlation_id"] = id
	return fields
}
