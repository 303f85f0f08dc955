package tools

import "github.com/nextlevelbuilder/agora/internal/fault"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent back as the tool turn
	IsError bool   `json:"is_error"` // marks error
	Err     error  `json:"-"`        // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// FaultResult renders a domain error as a tool result, keeping the code
// visible to the model and the error value available to callers.
func FaultResult(err error) *Result {
	msg := err.Error()
	if fault.CodeOf(err) == "" {
		msg = "error: " + msg
	}
	return &Result{ForLLM: msg, IsError: true, Err: err}
}
