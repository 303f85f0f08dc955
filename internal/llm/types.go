package llm

import "context"

// Client is the LLM wire contract. Implementations retry transient failures
// internally; aborts (context cancellation) are surfaced as request_aborted
// and never retried.
type Client interface {
	// Chat sends messages and returns the assistant turn.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and streams content chunks via callback,
	// returning the final complete response.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// ServiceID returns the configured service identifier.
	ServiceID() string
}

// ChatRequest is the input for a Chat/ChatStream call.
type ChatRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Meta        Meta             `json:"meta"`
}

// Meta carries per-call routing info; AgentID keys the concurrency pool.
type Meta struct {
	AgentID string `json:"agentId"`
}

// ChatResponse is the assistant turn returned by the service.
type ChatResponse struct {
	Role             string     `json:"role"` // always "assistant"
	Content          string     `json:"content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	Usage            *Usage     `json:"usage,omitempty"`
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string `json:"type"` // "text", "image_url", "file_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // data: URL, base64 inline
	FileURL  string `json:"file_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is one conversation turn. Content carries plain text; Parts carries
// multimodal bodies produced by the content router (Parts wins when set).
type Message struct {
	Role             string        `json:"role"` // "system", "user", "assistant", "tool"
	Content          string        `json:"content"`
	Parts            []ContentPart `json:"parts,omitempty"`
	ToolCalls        []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string        `json:"tool_call_id,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Capabilities declares what a service accepts and produces.
type Capabilities struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// Capability names.
const (
	CapText   = "text"
	CapVision = "vision"
	CapAudio  = "audio"
	CapFile   = "file"
)

// DefaultCapabilities is assumed when a service config omits the
// capabilities object (backward compatibility).
func DefaultCapabilities() Capabilities {
	return Capabilities{Input: []string{CapText}, Output: []string{CapText}}
}

// SupportsInput reports strict set membership of cap in the input list.
func (c Capabilities) SupportsInput(cap string) bool {
	for _, in := range c.Input {
		if in == cap {
			return true
		}
	}
	return false
}
