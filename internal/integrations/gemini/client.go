// Package gemini adapts the Google Gen AI SDK to the chat interface used by
// the deliberation service.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"council-agent/internal/domain"
)

const DefaultModel = "gemini-2.0-flash"

// contentGenerator is satisfied by *genai.Models.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models contentGenerator
	model  string
}

// NewClient creates a Gemini API client for model. An empty model selects DefaultModel.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: API key must not be empty")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newWithGenerator(gc.Models, model), nil
}

func newWithGenerator(models contentGenerator, model string) *Client {
	if model = strings.TrimSpace(model); model == "" {
		model = DefaultModel
	}
	return &Client{models: models, model: model}
}

func (c *Client) Model() string { return c.model }

// Chat folds system messages into the system instruction and sends the rest
// as user turns, requesting a JSON reply.
func (c *Client) Chat(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("gemini: messages must not be empty")
	}

	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
	}
	if len(contents) == 0 {
		return "", errors.New("gemini: no user content")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.7),
		ResponseMIMEType: "application/json",
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini: no candidates in response")
	}
	return resp.Text(), nil
}
