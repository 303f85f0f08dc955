package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServiceClient talks to one configured OpenAI-compatible chat completions
// endpoint. It implements Client with retry and abort semantics.
type ServiceClient struct {
	service     Service
	chatPath    string
	client      *http.Client
	retryConfig RetryConfig
}

// NewServiceClient builds a client for one service registry entry.
func NewServiceClient(svc Service) *ServiceClient {
	base := strings.TrimRight(svc.BaseURL, "/")
	svc.BaseURL = base
	return &ServiceClient{
		service:     svc,
		chatPath:    "/chat/completions",
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the retry schedule (tests, tighter budgets).
func (c *ServiceClient) WithRetryConfig(cfg RetryConfig) *ServiceClient {
	c.retryConfig = cfg
	return c
}

func (c *ServiceClient) ServiceID() string { return c.service.ID }

// Capabilities returns the service's declared input/output capabilities.
func (c *ServiceClient) Capabilities() Capabilities { return c.service.Caps() }

func (c *ServiceClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := c.buildRequestBody(req, false)

	return RetryDo(ctx, c.retryConfig, func() (*ChatResponse, error) {
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var wire wireResponse
		if err := json.NewDecoder(respBody).Decode(&wire); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", c.service.ID, err)
		}
		return parseWireResponse(&wire), nil
	})
}

func (c *ServiceClient) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := c.buildRequestBody(req, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{Role: "assistant"}
	accumulators := make(map[int]*toolCallAccumulator)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				result.Usage = chunk.Usage.toUsage()
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			result.ReasoningContent += delta.ReasoningContent
			if onChunk != nil {
				onChunk(StreamChunk{Reasoning: delta.ReasoningContent})
			}
		}
		if delta.Content != "" {
			result.Content += delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: delta.Content})
			}
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{call: ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)}}
				accumulators[tc.Index] = acc
			}
			if tc.Function.Name != "" {
				acc.call.Name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
		}

		if chunk.Usage != nil {
			result.Usage = chunk.Usage.toUsage()
		}
	}

	for i := 0; i < len(accumulators); i++ {
		acc := accumulators[i]
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.call.Arguments = args
		result.ToolCalls = append(result.ToolCalls, acc.call)
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

type toolCallAccumulator struct {
	call    ToolCall
	rawArgs string
}

// buildRequestBody converts internal messages to the OpenAI wire format:
// tool calls need the type+function wrapper with arguments as a JSON string,
// and multimodal bodies become content-part arrays.
func (c *ServiceClient) buildRequestBody(req ChatRequest, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}

		if len(m.Parts) > 0 {
			var parts []map[string]any
			for _, p := range m.Parts {
				switch p.Type {
				case "image_url":
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]any{"url": p.ImageURL},
					})
				case "file_url":
					parts = append(parts, map[string]any{
						"type":     "file_url",
						"file_url": map[string]any{"url": p.FileURL},
					})
				default:
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				}
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			// Omit empty content on assistant messages with tool_calls.
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				toolCalls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":    c.service.Model,
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

func (c *ServiceClient) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.service.ID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.service.BaseURL+c.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.service.ID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.service.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.service.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.service.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%s: http %d: %s", c.service.ID, resp.StatusCode, truncate(string(respBody), 500))
	}
	return resp.Body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Wire-format structs for the OpenAI-compatible response.

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) toUsage() *Usage {
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func parseWireResponse(wire *wireResponse) *ChatResponse {
	result := &ChatResponse{Role: "assistant"}
	if len(wire.Choices) > 0 {
		msg := wire.Choices[0].Message
		result.Content = msg.Content
		result.ReasoningContent = msg.ReasoningContent
		for _, tc := range msg.ToolCalls {
			args := make(map[string]any)
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
	}
	if wire.Usage != nil {
		result.Usage = wire.Usage.toUsage()
	}
	return result
}
