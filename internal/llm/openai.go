package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skaldhq/skald/internal/httpkit"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient is a client for OpenAI-compatible chat completion APIs.
// It works against api.openai.com as well as compatible gateways
// (OpenRouter, vLLM, llama.cpp server) that speak the same wire format.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new client. baseURL may be empty for the
// public OpenAI API; point it at any compatible /v1 endpoint otherwise.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI wire types. Tool call arguments travel as a JSON-encoded
// string on the wire, unlike our internal map form.

type openaiRequest struct {
	Model         string              `json:"model"`
	Messages      []openaiMessage     `json:"messages"`
	Tools         []map[string]any    `json:"tools,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	StreamOptions *openaiStreamOption `json:"stream_options,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
}

type openaiStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	Message      *openaiMessage `json:"message,omitempty"`
	Delta        *openaiMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options) (*ChatResponse, error) {
	req := c.buildRequest(model, messages, tools, opts, false)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(req.Messages), "tools", len(tools), "stream", false)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	body, err := c.post(ctx, "/chat/completions", jsonData)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	result := convertFromOpenAI(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// ChatStream sends a streaming chat request, invoking callback per token.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools, opts)
	}

	req := c.buildRequest(model, messages, tools, opts, true)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(req.Messages), "tools", len(tools), "stream", true)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	body, err := c.post(ctx, "/chat/completions", jsonData)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return c.handleStreaming(ctx, body, callback)
}

// Ping checks API reachability and key validity via the models endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from API: %d", resp.StatusCode)
	}
	return nil
}

func (c *OpenAIClient) buildRequest(model string, messages []Message, tools []map[string]any, opts *Options, stream bool) openaiRequest {
	req := openaiRequest{
		Model:    model,
		Messages: convertToOpenAI(messages),
		Tools:    tools,
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &openaiStreamOption{IncludeUsage: true}
	}
	if opts != nil {
		if opts.MaxTokens > 0 {
			req.MaxTokens = opts.MaxTokens
		}
		if opts.Temperature > 0 {
			t := opts.Temperature
			req.Temperature = &t
		}
	}
	return req
}

func (c *OpenAIClient) post(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		resp.Body.Close()
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ProviderError{Provider: "openai", Status: resp.StatusCode, Body: errBody}
	}
	return resp.Body, nil
}

func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		// Tool calls arrive fragmented across deltas, keyed by index.
		partials map[int]*openaiToolCall
		order    []int
		usage    openaiUsage
		model    string
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk openaiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if partials == nil {
				partials = make(map[int]*openaiToolCall)
			}
			p, ok := partials[idx]
			if !ok {
				p = &openaiToolCall{}
				partials[idx] = p
				order = append(order, idx)
			}
			if tc.ID != "" {
				p.ID = tc.ID
			}
			if tc.Function.Name != "" {
				p.Function.Name = tc.Function.Name
			}
			p.Function.Arguments += tc.Function.Arguments
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	var toolCalls []ToolCall
	for _, idx := range order {
		p := partials[idx]
		tc := ToolCall{
			ID:       p.ID,
			Function: ToolFunction{Name: p.Function.Name, Arguments: parseArgumentsJSON(p.Function.Arguments)},
		}
		toolCalls = append(toolCalls, tc)
		callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &tc})
	}

	content := contentBuilder.String()
	// Some models emit tool calls as text instead of structured deltas.
	if len(toolCalls) == 0 {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			toolCalls = parsed
			content = ""
		}
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// convertToOpenAI converts internal messages to the OpenAI wire format,
// encoding tool call arguments back to JSON strings.
func convertToOpenAI(messages []Message) []openaiMessage {
	result := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		om := openaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for i, tc := range msg.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			encoded, err := json.Marshal(args)
			if err != nil {
				encoded = []byte("{}")
			}
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
			}
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:       id,
				Type:     "function",
				Function: openaiFunction{Name: tc.Function.Name, Arguments: string(encoded)},
			})
		}
		result = append(result, om)
	}
	return result
}

// convertFromOpenAI converts a non-streaming response to internal form.
func convertFromOpenAI(resp *openaiResponse) *ChatResponse {
	msg := resp.Choices[0].Message
	if msg == nil {
		msg = &openaiMessage{Role: "assistant"}
	}

	var toolCalls []ToolCall
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{
			ID:       tc.ID,
			Function: ToolFunction{Name: tc.Function.Name, Arguments: parseArgumentsJSON(tc.Function.Arguments)},
		})
	}

	content := msg.Content
	if len(toolCalls) == 0 {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			toolCalls = parsed
			content = ""
		}
	}

	result := &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      msg.Role,
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done: true,
	}
	if resp.Created > 0 {
		result.CreatedAt = time.Unix(resp.Created, 0).UTC()
	}
	if resp.Usage != nil {
		result.InputTokens = resp.Usage.PromptTokens
		result.OutputTokens = resp.Usage.CompletionTokens
	}
	return result
}

// parseArgumentsJSON decodes a tool call arguments string. Invalid or
// empty payloads degrade to an empty map rather than failing the call.
func parseArgumentsJSON(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return map[string]any{"_raw": s}
	}
	return args
}

// parseTextToolCalls extracts tool calls that some models emit as JSON
// text instead of using the structured tool call fields. Handles bare
// JSON objects, arrays, and <tool_call>...</tool_call> wrappers.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	// Unwrap <tool_call> tags if present
	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>") + len("<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if end > start {
			content = strings.TrimSpace(content[start:end])
		} else {
			content = strings.TrimSpace(content[start:])
		}
	}

	tryParse := func(data []byte) []ToolCall {
		// Array of calls
		var arr []struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(data, &arr); err == nil && len(arr) > 0 && arr[0].Name != "" {
			var calls []ToolCall
			for _, c := range arr {
				calls = append(calls, ToolCall{
					Function: ToolFunction{Name: c.Name, Arguments: c.Arguments},
				})
			}
			return calls
		}

		// Single call object
		var single struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(data, &single); err == nil && single.Name != "" {
			return []ToolCall{{
				Function: ToolFunction{Name: single.Name, Arguments: single.Arguments},
			}}
		}
		return nil
	}

	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return tryParse([]byte(content))
	}
	return nil
}
