package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/jarvis/internal/reliability"
	"github.com/google/uuid"
)

// OllamaConfig controls the Ollama HTTP client.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	EmbedModel  string
	Temperature float64
	Timeout     time.Duration
	Attempts    int
}

// OllamaClient talks to an Ollama server over /api/chat and /api/embeddings.
type OllamaClient struct {
	cfg    OllamaConfig
	client *http.Client
}

func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "llama3:latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &OllamaClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string   `json:"type"`
	Function ToolSpec `json:"function"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (c *OllamaClient) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (Message, error) {
	req := ollamaChatRequest{
		Model:    c.cfg.Model,
		Messages: make([]ollamaMessage, 0, len(messages)),
		Stream:   false,
		Options:  map[string]any{"temperature": c.cfg.Temperature},
	}
	for _, m := range messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == RoleTool {
			om.ToolName = m.Name
		}
		for _, call := range m.ToolCalls {
			var tc ollamaToolCall
			tc.Function.Name = call.Name
			tc.Function.Arguments = call.Args
			om.ToolCalls = append(om.ToolCalls, tc)
		}
		req.Messages = append(req.Messages, om)
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: t})
	}

	var res ollamaChatResponse
	if err := c.postJSON(ctx, "/api/chat", req, &res); err != nil {
		return Message{}, err
	}
	if res.Error != "" {
		return Message{}, fmt.Errorf("ollama chat: %s", res.Error)
	}

	out := Message{Role: RoleAssistant, Content: strings.TrimSpace(res.Message.Content)}
	for _, tc := range res.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   "call_" + uuid.NewString(),
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.cfg.EmbedModel
	if model == "" {
		model = c.cfg.Model
	}
	var res struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.postJSON(ctx, "/api/embeddings", map[string]any{"model": model, "prompt": text}, &res); err != nil {
		return nil, err
	}
	if len(res.Embedding) == 0 {
		return nil, errors.New("ollama embeddings: empty vector")
	}
	return res.Embedding, nil
}

func (c *OllamaClient) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return reliability.Retry(ctx, c.cfg.Attempts, 250*time.Millisecond, 2*time.Second, nil, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return reliability.Permanent(fmt.Errorf("create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		res, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return reliability.Permanent(err)
			}
			return fmt.Errorf("send request: %w", err)
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			statusErr := fmt.Errorf("ollama http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
			if reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return statusErr
			}
			return reliability.Permanent(statusErr)
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return reliability.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}
