package llm

import (
	"context"
	"fmt"
	"strings"

	vertexgenai "cloud.google.com/go/vertexai/genai"
)

type VertexGemini struct {
	client *vertexgenai.Client
	model  *vertexgenai.GenerativeModel
}

func NewVertexGemini(ctx context.Context, projectID, location, modelName string) (*VertexGemini, error) {
	c, err := vertexgenai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, err
	}

	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}

	m := c.GenerativeModel(modelName)
	m.SetMaxOutputTokens(150)
	m.SetTemperature(0.7)
	return &VertexGemini{client: c, model: m}, nil
}

func (v *VertexGemini) Close() error { return v.client.Close() }

func (v *VertexGemini) Generate(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("empty message context")
	}

	model := *v.model
	history := make([]*vertexgenai.Content, 0, len(messages))

	var last Message
	for i, m := range messages {
		switch m.Role {
		case RoleSystem:
			model.SystemInstruction = &vertexgenai.Content{
				Parts: []vertexgenai.Part{vertexgenai.Text(m.Content)},
			}
		case RoleAssistant:
			history = append(history, &vertexgenai.Content{
				Role:  "model",
				Parts: []vertexgenai.Part{vertexgenai.Text(m.Content)},
			})
		default:
			if i == len(messages)-1 {
				last = m
				continue
			}
			history = append(history, &vertexgenai.Content{
				Role:  "user",
				Parts: []vertexgenai.Part{vertexgenai.Text(m.Content)},
			})
		}
	}
	if last.Content == "" {
		return "", fmt.Errorf("context must end with a user message")
	}

	chat := model.StartChat()
	chat.History = history

	resp, err := chat.SendMessage(ctx, vertexgenai.Text(last.Content))
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(vertexgenai.Text); ok {
				out.WriteString(string(t))
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}
