package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// GeminiProvider streams from the Gemini API. The SDK client needs a context
// to construct, so one is built per call.
type GeminiProvider struct {
	endpoint string
	apiKey   string
	model    string
}

func NewGeminiProvider(endpoint, apiKey, model string) *GeminiProvider {
	return &GeminiProvider{endpoint: endpoint, apiKey: apiKey, model: model}
}

func (p *GeminiProvider) Name() string {
	return fmt.Sprintf("Gemini (%s)", p.model)
}

func (p *GeminiProvider) newClient(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.endpoint},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

func (p *GeminiProvider) ValidateConfig(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := p.newClient(ctx)
	if err != nil {
		return false
	}
	_, err = client.Models.List(ctx, nil)
	return err == nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyContext
	}
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, err
	}
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	model := chooseModel(req.Model, p.model)

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, nil) {
			if err != nil {
				var apiErr genai.APIError
				if errors.As(err, &apiErr) {
					return &HTTPError{StatusCode: apiErr.Code, Code: apiErr.Status, Message: apiErr.Message}
				}
				return fmt.Errorf("gemini streaming error: %w", err)
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if err := emit(ctx, events, Event{Type: EventTextDelta, Text: text}); err != nil {
				return err
			}
		}
		return nil
	}), nil
}
