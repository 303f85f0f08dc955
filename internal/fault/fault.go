// Package fault defines the domain error codes surfaced by the runtime core.
// Policy and validation failures are returned as values carrying one of these
// codes; callers branch on Code via errors.As or fault.CodeOf.
package fault

import (
	"errors"
	"fmt"
)

// Code is a stable domain token identifying a failure kind.
type Code string

// Validation.
const (
	MissingAgentID       Code = "missing_agent_id"
	MissingText          Code = "missing_text"
	MissingTo            Code = "missing_to"
	MissingFrom          Code = "missing_from"
	InvalidParentAgentID Code = "invalid_parentAgentId"
	InvalidMethod        Code = "invalid_method"
	InvalidArgs          Code = "invalid_args"
)

// Policy.
const (
	CrossTaskDenied       Code = "cross_task_communication_denied"
	NotChildAgent         Code = "not_child_agent"
	NotChildRole          Code = "not_child_role"
	CannotDeleteSystemAgent Code = "cannot_delete_system_agent"
	CannotDeleteSystemRole  Code = "cannot_delete_system_role"
	ToolNotAllowedForRole Code = "tool_not_allowed_for_role"
	BlockedCode           Code = "blocked_code"
	OnlyHTTPSAllowed      Code = "only_https_allowed"
)

// State.
const (
	AgentNotFound          Code = "agent_not_found"
	RoleNotFound           Code = "role_not_found"
	AgentAlreadyActive     Code = "agent_already_active"
	AgentAlreadyTerminated Code = "agent_already_terminated"
	RoleAlreadyDeleted     Code = "role_already_deleted"
	ToolNotFound           Code = "tool_not_found"
)

// Runtime.
const (
	RequestTimeout           Code = "request_timeout"
	RequestAborted           Code = "request_aborted"
	RequestCancelled         Code = "request_cancelled"
	RejectedMissingAgentID   Code = "rejected_missing_agent_id"
	NonJSONSerializableReturn Code = "non_json_serializable_return"
	LLMCallFailedAfterRetries Code = "llm_call_failed_after_retries"
	MaxToolRoundsExceeded    Code = "max_tool_rounds_exceeded"
)

// Error is a domain error carrying a Code and an optional human detail.
type Error struct {
	Code   Code
	Detail string
	Err    error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return string(e.Code) + ": " + e.Detail
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a bare domain error for code.
func New(code Code) *Error { return &Error{Code: code} }

// Newf returns a domain error with a formatted detail.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying cause.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Detail: err.Error(), Err: err}
}

// CodeOf extracts the domain code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool { return CodeOf(err) == code }
