package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type capturedRequest struct {
	mu     sync.Mutex
	header http.Header
	path   string
	body   []byte
}

func (c *capturedRequest) get() (http.Header, string, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header, c.path, c.body
}

// sseServer writes parts to the response, flushing after each so the client
// sees them as separate network reads.
func sseServer(t *testing.T, status int, parts ...string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	seen := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.mu.Lock()
		seen.header = r.Header.Clone()
		seen.path = r.URL.Path
		seen.body = body
		seen.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, p := range parts {
			_, _ = io.WriteString(w, p)
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func collect(t *testing.T, p Provider, req Request) (string, Event) {
	t.Helper()
	stream, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	var terminal Event
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if ev.Type == EventTextDelta {
			if terminal.Terminal() {
				t.Fatalf("delta after terminal event")
			}
			text.WriteString(ev.Text)
			continue
		}
		terminal = ev
	}
	if !terminal.Terminal() {
		t.Fatal("stream ended without a terminal event")
	}
	return text.String(), terminal
}

func TestOpenAIProviderStreamReassemblesFrames(t *testing.T) {
	srv, seen := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n"+`data: {"choi`,
		`ces":[{"delta":{"content":"lo"}}]}`,
		"\n\n",
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\r\n\r\n",
		"data: [DONE]\n\n",
	)

	p := NewOpenAIProvider(srv.URL, "sk-test", "gpt-4o-mini")
	text, terminal := collect(t, p, Request{Messages: []Message{UserText("hi"), AssistantText("hey"), UserText("again")}})

	if text != "Hello" {
		t.Fatalf("text = %q, want %q", text, "Hello")
	}
	if terminal.Type != EventDone {
		t.Fatalf("terminal = %+v, want done", terminal)
	}

	header, path, raw := seen.get()
	if got := header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", got)
	}
	if path != "/v1/chat/completions" {
		t.Fatalf("path = %q, want /v1/chat/completions", path)
	}
	var body openAIChatRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if !body.Stream || body.Model != "gpt-4o-mini" || len(body.Messages) != 3 {
		t.Fatalf("request body = %+v", body)
	}
	if body.Messages[1].Role != "assistant" || body.Messages[2].Content != "again" {
		t.Fatalf("messages = %+v", body.Messages)
	}
}

func TestOpenAIProviderStreamFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		parts    []string
		wantText string
		want     FailureReason
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			parts:  []string{`{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`},
			want:   ReasonUnauthorized,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			parts:  []string{`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`},
			want:   ReasonRateLimited,
		},
		{
			name:   "gateway",
			status: http.StatusBadGateway,
			parts:  []string{"<html>bad gateway</html>"},
			want:   ReasonNetwork,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			want:   ReasonUnknown,
		},
		{
			name:     "malformed frame",
			status:   http.StatusOK,
			parts:    []string{`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n", "data: {not json}\n\n"},
			wantText: "Hi",
			want:     ReasonMalformedResponse,
		},
		{
			name:     "truncated",
			status:   http.StatusOK,
			parts:    []string{`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n"},
			wantText: "Hi",
			want:     ReasonNetwork,
		},
		{
			name:     "error inside stream",
			status:   http.StatusOK,
			parts:    []string{`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n", `data: {"error":{"message":"quota","code":"insufficient_quota"}}` + "\n\n"},
			wantText: "Hi",
			want:     ReasonRateLimited,
		},
		{
			name:   "json error with success status",
			status: http.StatusOK,
			parts:  []string{`{"error":{"message":"bad key","code":"invalid_api_key"}}` + "\n"},
			want:   ReasonUnauthorized,
		},
		{
			name:   "html with success status",
			status: http.StatusOK,
			parts:  []string{"<html>proxy login</html>\n"},
			want:   ReasonMalformedResponse,
		},
		{
			name:   "comments only",
			status: http.StatusOK,
			parts:  []string{": keep-alive\n\n"},
			want:   ReasonNetwork,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := sseServer(t, tc.status, tc.parts...)
			p := NewOpenAIProvider(srv.URL, "sk-test", "gpt-4o-mini")
			text, terminal := collect(t, p, Request{Messages: []Message{UserText("hi")}})
			if text != tc.wantText {
				t.Fatalf("text = %q, want %q", text, tc.wantText)
			}
			if terminal.Type != EventFailed || terminal.Reason != tc.want {
				t.Fatalf("terminal = %+v, want failed/%s", terminal, tc.want)
			}
		})
	}
}

func TestOpenAIProviderFinishReasonWithoutDone(t *testing.T) {
	srv, _ := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
	)
	p := NewOpenAIProvider(srv.URL, "k", "m")
	text, terminal := collect(t, p, Request{Messages: []Message{UserText("hi")}})
	if text != "ok" || terminal.Type != EventDone {
		t.Fatalf("text=%q terminal=%+v, want ok/done", text, terminal)
	}
}

func TestOpenAIProviderCancelStopsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := NewOpenAIProvider(srv.URL, "k", "m").Stream(ctx, Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	ev, err := stream.Recv()
	if err != nil || ev.Text != "a" {
		t.Fatalf("first Recv = %+v, %v", ev, err)
	}
	cancel()
	if _, err := stream.Recv(); err != context.Canceled {
		t.Fatalf("Recv after cancel = %v, want context.Canceled", err)
	}
}

func TestOpenAIProviderValidateConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	if !NewOpenAIProvider(srv.URL, "good", "m").ValidateConfig(context.Background()) {
		t.Fatal("ValidateConfig(good) = false, want true")
	}
	if NewOpenAIProvider(srv.URL, "bad", "m").ValidateConfig(context.Background()) {
		t.Fatal("ValidateConfig(bad) = true, want false")
	}
	if NewOpenAIProvider("http://127.0.0.1:1", "good", "m").ValidateConfig(context.Background()) {
		t.Fatal("ValidateConfig(unreachable) = true, want false")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "https://api.openai.com/v1"},
		{"proxy.example.com", "https://proxy.example.com/v1"},
		{"proxy.example.com/", "https://proxy.example.com/v1"},
		{"http://localhost:8080", "http://localhost:8080/v1"},
		{"https://gw.example.com/openai/v1/", "https://gw.example.com/openai/v1"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := NormalizeEndpoint(tc.in); got != tc.want {
				t.Fatalf("NormalizeEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestOpenAIProviderEmptyContext(t *testing.T) {
	if _, err := NewOpenAIProvider("", "k", "m").Stream(context.Background(), Request{}); err != ErrEmptyContext {
		t.Fatalf("Stream(empty) error = %v, want ErrEmptyContext", err)
	}
}
