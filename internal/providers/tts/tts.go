package tts

import "context"

// Provider is one synthesis backend. Availability is a cheap static check
// (credentials present, client constructed); health under load is the
// circuit breaker's job, not the provider's.
type Provider interface {
	Name() string
	Available() bool
	Synthesize(ctx context.Context, text string) (audio []byte, format string, err error)
}
