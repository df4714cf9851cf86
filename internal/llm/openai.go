package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

var openAIHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 90 * time.Second,
		MaxIdleConnsPerHost:   4,
	},
}

// OpenAIProvider speaks the OpenAI chat completions wire protocol directly,
// parsing the server-sent event body as bytes arrive.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIProvider builds a provider for the given endpoint override, which
// may be empty, a bare host, or a full URL.
func NewOpenAIProvider(endpoint, apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL: NormalizeEndpoint(endpoint),
		apiKey:  apiKey,
		model:   model,
		client:  openAIHTTPClient,
	}
}

// NormalizeEndpoint turns an endpoint override into an API base URL.
// "" -> default, "proxy.local" -> "https://proxy.local/v1",
// "http://localhost:8080" -> "http://localhost:8080/v1".
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return openAIDefaultBaseURL
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return strings.TrimRight(endpoint, "/")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1"
	}
	return strings.TrimRight(u.String(), "/")
}

func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("OpenAI (%s)", p.model)
}

// BaseURL returns the resolved API base.
func (p *OpenAIProvider) BaseURL() string {
	return p.baseURL
}

func (p *OpenAIProvider) ValidateConfig(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openAIErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

type openAIChunk struct {
	openAIErrorBody
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (b openAIErrorBody) toHTTPError(status int) *HTTPError {
	if b.Error == nil {
		return nil
	}
	code := ""
	switch c := b.Error.Code.(type) {
	case string:
		code = c
	case nil:
		code = b.Error.Type
	default:
		code = fmt.Sprint(c)
	}
	return &HTTPError{StatusCode: status, Code: code, Message: b.Error.Message}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyContext
	}
	body := openAIChatRequest{
		Model:    chooseModel(req.Model, p.model),
		Messages: make([]openAIChatMessage, 0, len(req.Messages)),
		Stream:   true,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, openAIChatMessage{Role: string(m.Role), Content: m.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			var eb openAIErrorBody
			if json.Unmarshal(respBody, &eb) == nil {
				if he := eb.toHTTPError(resp.StatusCode); he != nil {
					return he
				}
			}
			return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}

		return p.readEvents(ctx, resp.StatusCode, resp.Body, events)
	}), nil
}

// readEvents consumes an SSE body incrementally. Network reads may split a
// frame anywhere, so bytes accumulate in pending until a newline completes
// a line. A body that never carries a data frame is not an event stream:
// it is decoded as an error document or reported as malformed.
func (p *OpenAIProvider) readEvents(ctx context.Context, status int, body io.Reader, events chan<- Event) error {
	buf := make([]byte, 4096)
	var pending string
	finished := false
	sawData := false
	var stray strings.Builder

	handleLine := func(line string) (bool, error) {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			if !sawData && !isSSEField(line) && stray.Len() < maxStrayBody {
				stray.WriteString(line)
				stray.WriteByte('\n')
			}
			return false, nil
		}
		sawData = true
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			return false, nil
		}
		if data == "[DONE]" {
			return true, nil
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, &StreamError{Reason: ReasonMalformedResponse, Err: fmt.Errorf("decode chunk: %w", err)}
		}
		if he := chunk.toHTTPError(0); he != nil {
			return false, he
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := emit(ctx, events, Event{Type: EventTextDelta, Text: choice.Delta.Content}); err != nil {
					return false, err
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
			}
		}
		return false, nil
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			pending += string(buf[:n])
			for {
				idx := strings.Index(pending, "\n")
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				done, lineErr := handleLine(line)
				if lineErr != nil {
					return lineErr
				}
				if done {
					return nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if pending != "" {
				done, lineErr := handleLine(pending)
				if lineErr != nil {
					return lineErr
				}
				if done {
					return nil
				}
			}
			if finished {
				return nil
			}
			if !sawData && strings.TrimSpace(stray.String()) != "" {
				return notEventStream(status, stray.String())
			}
			return ErrTruncated
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

const maxStrayBody = 1 << 16

// isSSEField reports whether line is blank, a comment, or a non-data field.
func isSSEField(line string) bool {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return true
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return true
		}
	}
	return false
}

// notEventStream classifies a 2xx body that held no data frames, such as a
// proxy's JSON error or an HTML login page.
func notEventStream(status int, body string) error {
	var eb openAIErrorBody
	if json.Unmarshal([]byte(body), &eb) == nil {
		if he := eb.toHTTPError(status); he != nil {
			return he
		}
	}
	snippet := strings.TrimSpace(body)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return &StreamError{Reason: ReasonMalformedResponse, Err: fmt.Errorf("response is not an event stream: %s", snippet)}
}
