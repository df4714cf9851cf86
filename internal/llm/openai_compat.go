package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAICompatProvider drives any OpenAI-compatible endpoint through the
// official SDK. OpenRouter, Zen and self-hosted gateways all use it.
type OpenAICompatProvider struct {
	client      *openai.Client
	baseURL     string
	model       string
	displayName string
}

func NewOpenAICompatProvider(baseURL, apiKey, model, displayName string) *OpenAICompatProvider {
	return NewOpenAICompatProviderWithHeaders(baseURL, apiKey, model, displayName, nil)
}

// NewOpenAICompatProviderWithHeaders adds extra request headers, used for
// vendor attribution headers.
func NewOpenAICompatProviderWithHeaders(baseURL, apiKey, model, displayName string, headers map[string]string) *OpenAICompatProvider {
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	for k, v := range headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)
	return &OpenAICompatProvider{
		client:      &client,
		baseURL:     baseURL,
		model:       model,
		displayName: displayName,
	}
}

func (p *OpenAICompatProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.displayName, p.model)
}

func (p *OpenAICompatProvider) ValidateConfig(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := p.client.Models.List(ctx)
	return err == nil
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyContext
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(chooseModel(req.Model, p.model)),
		Messages: messages,
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if err := emit(ctx, events, Event{Type: EventTextDelta, Text: choice.Delta.Content}); err != nil {
					return err
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fromOpenAIError(err)
		}
		return nil
	}), nil
}

// fromOpenAIError lifts SDK API errors into HTTPError so Classify sees the
// status and vendor code.
func fromOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &HTTPError{StatusCode: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	return fmt.Errorf("openai streaming error: %w", err)
}
