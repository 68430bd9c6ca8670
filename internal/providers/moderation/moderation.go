package moderation

import "context"

// Decision is the moderation verdict for one piece of content. A blocked
// verdict is an expected outcome, not an error; errors mean the collaborator
// itself failed and the caller applies its fail-open/fail-closed policy.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type Provider interface {
	CheckContent(ctx context.Context, text string) (Decision, error)
}
