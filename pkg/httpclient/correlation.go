package httpclient

import (
	"context"

	"github.com/google/uuid"
)

// CorrelationID identifies a logical operation across process and service
// boundaries. It travels on the request context and is propagated to the
// backend as the X-Correlation-ID header.
type CorrelationID string

// NewCorrelationID returns a fresh random correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

// IsValid reports whether the ID carries a value.
func (c CorrelationID) IsValid() bool { return c != "" }

// String returns the ID's string form.
func (c CorrelationID) String() string { return string(c) }

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation ID to a context.
func WithCorrelationID(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext returns the context's correlation ID, or the
// zero value when none is attached.
func CorrelationIDFromContext(ctx context.Context) CorrelationID {
	id, _ := ctx.Value(correlationIDKey{}).(CorrelationID)
	return id
}
