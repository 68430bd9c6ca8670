package analytics

import (
	"context"
	"time"
)

// Interaction is the side-channel record emitted after each completed turn.
type Interaction struct {
	SessionID     string
	UserText      string
	AssistantText string
	Timestamp     time.Time
}

// Sink receives interaction events. Calls are fire-and-forget from the
// pipeline's point of view: a sink failure never fails the request.
type Sink interface {
	LogInteraction(ctx context.Context, in Interaction) error
}

// Nop is the sink used when no analytics backend is configured.
type Nop struct{}

func (Nop) LogInteraction(ctx context.Context, in Interaction) error { return nil }
