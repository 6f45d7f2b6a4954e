package resilience

import "context"

// FallbackFunc runs when the breaker is open or shedding load. It receives
// the breaker error and substitutes a result or a translated error.
type FallbackFunc func(ctx context.Context, err error) (interface{}, error)

// NoopFallback surfaces ErrCircuitOpen unchanged, for callers that handle
// the open state themselves.
func NoopFallback(ctx context.Context, err error) (interface{}, error) {
	return nil, ErrCircuitOpen
}
