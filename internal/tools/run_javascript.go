package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/agora/internal/sandbox"
)

// RunJavascriptTool evaluates a snippet in the sandbox and returns its
// JSON-serialized return value plus captured console output.
type RunJavascriptTool struct {
	runner *sandbox.Runner
}

func NewRunJavascriptTool(r *sandbox.Runner) *RunJavascriptTool {
	return &RunJavascriptTool{runner: r}
}

func (t *RunJavascriptTool) Name() string { return "run_javascript" }

func (t *RunJavascriptTool) Description() string {
	return "Evaluate JavaScript in a sandbox. Use a return statement for the result; the return value must be JSON-serializable. No process, require, import or global access."
}

func (t *RunJavascriptTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "JavaScript source. The body of an async function; use return for the result.",
			},
		},
		"required": []string{"code"},
	}
}

func (t *RunJavascriptTool) Groups() []string { return []string{"runtime"} }

func (t *RunJavascriptTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	code, _ := args["code"].(string)
	if code == "" {
		return ErrorResult("code is required")
	}

	res, err := t.runner.Run(ctx, code)
	if err != nil {
		return FaultResult(err)
	}

	out := struct {
		Value json.RawMessage `json:"value"`
		Logs  string          `json:"logs,omitempty"`
	}{Value: res.Value, Logs: strings.Join(res.Logs, "\n")}
	data, _ := json.Marshal(out)
	return NewResult(string(data))
}
