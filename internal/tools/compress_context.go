package tools

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/agora/internal/conv"
)

const defaultKeepRecent = 5

// CompressContextTool replaces the caller's older history with a summary
// turn, keeping the system turn and the most recent turns intact.
type CompressContextTool struct {
	store *conv.Store
}

func NewCompressContextTool(s *conv.Store) *CompressContextTool {
	return &CompressContextTool{store: s}
}

func (t *CompressContextTool) Name() string { return "compress_context" }

func (t *CompressContextTool) Description() string {
	return "Compress your conversation history. Provide a summary of the older turns; the most recent turns are kept verbatim."
}

func (t *CompressContextTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "Summary replacing the compressed turns.",
			},
			"keepRecentCount": map[string]interface{}{
				"type":        "number",
				"description": "Number of trailing turns to keep verbatim. Default 5.",
				"minimum":     0.0,
			},
		},
		"required": []string{"summary"},
	}
}

func (t *CompressContextTool) Groups() []string { return []string{"memory"} }

func (t *CompressContextTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	summary, _ := args["summary"].(string)
	if summary == "" {
		return ErrorResult("summary is required")
	}
	keep := defaultKeepRecent
	if k, ok := args["keepRecentCount"].(float64); ok && k >= 0 {
		keep = int(k)
	}

	res := t.store.Compress(CallerFromCtx(ctx), summary, keep)
	data, _ := json.Marshal(res)
	return NewResult(string(data))
}
