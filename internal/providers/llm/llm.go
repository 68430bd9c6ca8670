package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the prompt context handed to the model.
type Message struct {
	Role    Role
	Content string
}

type Provider interface {
	// Generate produces a single completed reply for the given context.
	Generate(ctx context.Context, messages []Message) (string, error)
	Close() error
}
