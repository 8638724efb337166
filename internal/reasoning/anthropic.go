package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	RetryCount  int
	RetryDelay  time.Duration
}

// AnthropicClient implements LLM against the Messages API's tool-use mode:
// it sends a `tools` array on each request and surfaces `tool_use` content
// blocks as ToolCalls.
type AnthropicClient struct {
	config     AnthropicConfig
	httpClient *http.Client
}

func NewAnthropicClient(config AnthropicConfig) *AnthropicClient {
	if config.Model == "" {
		config.Model = "claude-3-5-sonnet-20241022"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	return &AnthropicClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Probe verifies reachability with a one-token request. Credentials and
// network failures surface the same way a real Chat call would fail.
func (c *AnthropicClient) Probe(ctx context.Context) error {
	_, err := c.makeRequest(ctx, anthropicRequest{
		Model:     c.config.Model,
		MaxTokens: 1,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContentBlock{{Type: "text", Text: "ping"}},
		}},
	})
	return err
}

func (c *AnthropicClient) Model() string { return c.config.Model }
func (c *AnthropicClient) Provider() string { return "anthropic" }
func (c *AnthropicClient) Flavor() Flavor { return FlavorToolUse }

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat converts messages/tools into the Messages API's tool-use shape,
// sends the request with linear-backoff retries, and translates
// `tool_use` content blocks back into ToolCalls.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	var systemMsg string
	var apiMessages []anthropicMessage
	for _, m := range messages {
		switch m.Role {
		case "system":
			systemMsg = m.Content
		case "tool_result":
			apiMessages = append(apiMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			blocks := []anthropicContentBlock{}
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			apiMessages = append(apiMessages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			apiMessages = append(apiMessages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	var apiTools []anthropicTool
	for _, t := range tools {
		apiTools = append(apiTools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.ParametersSchema,
		})
	}

	reqBody := anthropicRequest{
		Model:       c.config.Model,
		Messages:    apiMessages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		System:      systemMsg,
		Tools:       apiTools,
	}

	var resp *Response
	var err error
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}
		resp, err = c.makeRequest(ctx, reqBody)
		if err == nil {
			return resp, nil
		}
		if aiErr, ok := err.(*Error); ok && !aiErr.Retry {
			return nil, err
		}
	}
	return nil, fmt.Errorf("reasoning: anthropic request failed after %d retries: %w", c.config.RetryCount, err)
}

func (c *AnthropicClient) makeRequest(ctx context.Context, reqBody anthropicRequest) (*Response, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Code: "marshal_error", Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &Error{Provider: "anthropic", Code: "request_error", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Code: "network_error", Message: err.Error(), Retry: true}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Code: "read_error", Message: err.Error(), Retry: true}
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp anthropicError
		_ = json.Unmarshal(body, &errResp)
		return nil, &Error{
			Provider: "anthropic",
			Code:     fmt.Sprintf("http_%d", httpResp.StatusCode),
			Message:  errResp.Error.Message,
			Retry:    httpResp.StatusCode >= 500 || httpResp.StatusCode == 429,
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &Error{Provider: "anthropic", Code: "unmarshal_error", Message: err.Error()}
	}

	var content string
	var toolCalls []ToolCall
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	return &Response{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: apiResp.StopReason,
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}, nil
}
