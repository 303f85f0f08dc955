// Package agent runs the LLM tool-call loop for one inbound message and
// composes the per-role system prompt.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/content"
	"github.com/nextlevelbuilder/agora/internal/conv"
	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/llm"
	"github.com/nextlevelbuilder/agora/internal/llmpool"
	"github.com/nextlevelbuilder/agora/internal/org"
	"github.com/nextlevelbuilder/agora/internal/telemetry"
	"github.com/nextlevelbuilder/agora/internal/tools"
)

// DefaultMaxToolRounds bounds LLM rounds per inbound message.
const DefaultMaxToolRounds = 5

// ChatClient is the slice of the llm client the loop needs.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	ServiceID() string
	Capabilities() llm.Capabilities
}

// ResolveClientFunc maps a role's llmServiceId to a client. Empty id resolves
// the default service.
type ResolveClientFunc func(serviceID string) (ChatClient, error)

// Loop drives the chat/tool rounds for one agent message.
type Loop struct {
	resolve       ResolveClientFunc
	pool          *llmpool.Pool
	conv          *conv.Store
	tools         *tools.Registry
	router        *content.Router
	maxToolRounds int
	temperature   float64

	onToolCall func(agentID, toolName string)
	onWaitLLM  func(agentID string, waiting bool)
}

// LoopConfig configures a Loop. Resolve, Pool, Conv and Tools are required.
type LoopConfig struct {
	Resolve       ResolveClientFunc
	Pool          *llmpool.Pool
	Conv          *conv.Store
	Tools         *tools.Registry
	Router        *content.Router
	MaxToolRounds int
	Temperature   float64

	// OnToolCall observes dispatched tool calls (WS events).
	OnToolCall func(agentID, toolName string)
	// OnWaitLLM flips the dispatcher's waiting_llm status around pool calls.
	OnWaitLLM func(agentID string, waiting bool)
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Router == nil {
		cfg.Router = content.NewRouter(nil)
	}
	return &Loop{
		resolve:       cfg.Resolve,
		pool:          cfg.Pool,
		conv:          cfg.Conv,
		tools:         cfg.Tools,
		router:        cfg.Router,
		maxToolRounds: cfg.MaxToolRounds,
		temperature:   cfg.Temperature,
		onToolCall:    cfg.OnToolCall,
		onWaitLLM:     cfg.OnWaitLLM,
	}
}

// ProcessMessage runs the bounded chat/tool loop for one inbound message.
// Policy failures inside tools surface as tool turns; only infrastructure
// errors (LLM failure, abort) propagate to the dispatcher.
func (l *Loop) ProcessMessage(ctx context.Context, ag *org.Agent, role *org.Role, msg *bus.Message) error {
	client, err := l.resolve(role.LLMServiceID)
	if err != nil {
		return fmt.Errorf("resolve llm service for role %s: %w", role.RoleID, err)
	}

	system := ComposeSystemPrompt(ag.AgentID, role, l.tools.List())
	l.conv.Ensure(ag.AgentID, system)
	l.conv.Append(ag.AgentID, l.buildUserTurn(msg, client.Capabilities()))

	for round := 1; round <= l.maxToolRounds; round++ {
		req := llm.ChatRequest{
			Messages:    l.conv.Get(ag.AgentID),
			Tools:       l.tools.Definitions(role.ToolGroups),
			Temperature: l.temperature,
			Meta:        llm.Meta{AgentID: ag.AgentID},
		}

		spanCtx, span := telemetry.StartLLMSpan(ctx, ag.AgentID, client.ServiceID())
		if l.onWaitLLM != nil {
			l.onWaitLLM(ag.AgentID, true)
		}
		resp, err := l.pool.Execute(spanCtx, ag.AgentID, func(callCtx context.Context) (*llm.ChatResponse, error) {
			return client.Chat(callCtx, req)
		})
		if l.onWaitLLM != nil {
			l.onWaitLLM(ag.AgentID, false)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return fmt.Errorf("llm call (round %d): %w", round, err)
		}
		span.End()

		assistant := llm.Message{
			Role:             "assistant",
			Content:          resp.Content,
			ToolCalls:        resp.ToolCalls,
			ReasoningContent: resp.ReasoningContent,
		}
		l.conv.Append(ag.AgentID, assistant)

		if len(resp.ToolCalls) == 0 {
			// Natural end: the agent said its piece without further tools.
			return nil
		}

		if round == l.maxToolRounds {
			// The budget is spent; the pending calls get failure turns
			// instead of execution so every tool_call_id is answered.
			l.appendBudgetExceeded(ag.AgentID, resp.ToolCalls)
			slog.Warn("agent.max_tool_rounds_exceeded",
				"agent", ag.AgentID, "rounds", l.maxToolRounds, "message", msg.ID)
			return nil
		}

		toolCtx := tools.WithCaller(ctx, ag.AgentID)
		toolCtx = tools.WithCurrentMessage(toolCtx, msg)
		toolCtx = tools.WithReasoning(toolCtx, resp.ReasoningContent)

		for _, tc := range resp.ToolCalls {
			if l.onToolCall != nil {
				l.onToolCall(ag.AgentID, tc.Name)
			}
			tcCtx, toolSpan := telemetry.StartToolSpan(toolCtx, ag.AgentID, tc.Name)
			result := l.tools.Execute(tcCtx, tc.Name, tc.Arguments, role.ToolGroups)
			if result.IsError {
				toolSpan.SetStatus(codes.Error, result.ForLLM)
			}
			toolSpan.End()

			l.conv.Append(ag.AgentID, llm.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}
	return nil
}

// buildUserTurn renders the inbound message as the user-side turn. A sender
// line is prepended so the agent knows who to answer.
func (l *Loop) buildUserTurn(msg *bus.Message, caps llm.Capabilities) llm.Message {
	header := fmt.Sprintf("[message from %s", msg.From)
	if msg.TaskID != "" {
		header += fmt.Sprintf(", taskId %s", msg.TaskID)
	}
	header += "]\n"

	if len(msg.Payload.Attachments) == 0 {
		return llm.Message{Role: "user", Content: header + msg.Payload.Text}
	}

	routed := l.router.Route(msg.Payload, caps)
	parts := append([]llm.ContentPart{{Type: "text", Text: header}}, routed.Parts...)
	return llm.Message{Role: "user", Parts: parts}
}

// appendBudgetExceeded answers each pending tool call with a synthetic
// failure turn so the conversation stays well-formed.
func (l *Loop) appendBudgetExceeded(agentID string, pending []llm.ToolCall) {
	failure := fault.Newf(fault.MaxToolRoundsExceeded, "tool budget of %d rounds exhausted", l.maxToolRounds).Error()
	for _, tc := range pending {
		l.conv.Append(agentID, llm.Message{Role: "tool", Content: failure, ToolCallID: tc.ID})
	}
}
