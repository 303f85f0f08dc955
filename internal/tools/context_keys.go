package tools

import (
	"context"

	"github.com/nextlevelbuilder/agora/internal/bus"
)

// Tool execution context keys. The dispatcher injects the caller identity,
// the message being processed and the assistant turn's reasoning before
// dispatching tool calls; tools read them during Execute.

type toolContextKey string

const (
	ctxCaller    toolContextKey = "tool_caller"
	ctxMessage   toolContextKey = "tool_message"
	ctxReasoning toolContextKey = "tool_reasoning"
)

func WithCaller(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxCaller, agentID)
}

func CallerFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxCaller).(string)
	return v
}

func WithCurrentMessage(ctx context.Context, msg *bus.Message) context.Context {
	return context.WithValue(ctx, ctxMessage, msg)
}

func CurrentMessageFromCtx(ctx context.Context) *bus.Message {
	v, _ := ctx.Value(ctxMessage).(*bus.Message)
	return v
}

func WithReasoning(ctx context.Context, reasoning string) context.Context {
	return context.WithValue(ctx, ctxReasoning, reasoning)
}

func ReasoningFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxReasoning).(string)
	return v
}
