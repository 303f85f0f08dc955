package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agora/internal/fault"
)

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultLogBodyMaxBytes = 10 * 1024
	responseBodyMaxBytes   = 512 * 1024
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// HTTPRequestConfig tunes the http_request tool.
type HTTPRequestConfig struct {
	Timeout         time.Duration
	LogBodyMaxBytes int
}

// HTTPRequestTool performs agent-initiated HTTPS requests.
type HTTPRequestTool struct {
	client     *http.Client
	timeout    time.Duration
	logBodyMax int
}

func NewHTTPRequestTool(cfg HTTPRequestConfig) *HTTPRequestTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	logBodyMax := cfg.LogBodyMaxBytes
	if logBodyMax <= 0 {
		logBodyMax = defaultLogBodyMaxBytes
	}
	return &HTTPRequestTool{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 15 * time.Second,
			},
		},
		timeout:    timeout,
		logBodyMax: logBodyMax,
	}
}

func (t *HTTPRequestTool) Name() string { return "http_request" }

func (t *HTTPRequestTool) Description() string {
	return "Make an HTTPS request. Only https:// URLs are accepted. Returns the status code and response body."
}

func (t *HTTPRequestTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTPS URL.",
			},
			"method": map[string]interface{}{
				"type":        "string",
				"description": "HTTP method. Default GET.",
				"enum":        []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]interface{}{
				"type":        "object",
				"description": "Request headers.",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Request body for POST/PUT/PATCH.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPRequestTool) Groups() []string { return []string{"web"} }

func (t *HTTPRequestTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "https" {
		return FaultResult(fault.Newf(fault.OnlyHTTPSAllowed, "scheme %q", parsed.Scheme))
	}

	method := "GET"
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !allowedMethods[method] {
		return FaultResult(fault.Newf(fault.InvalidMethod, "method %q", method))
	}

	var body io.Reader
	if b, ok := args["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err))
	}
	if headers, ok := args["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	requestID := uuid.NewString()
	start := time.Now()
	resp, err := t.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			slog.Warn("http_request.timeout", "request_id", requestID, "agent", CallerFromCtx(ctx), "url", rawURL, "method", method, "latency_ms", latency.Milliseconds())
			return FaultResult(fault.Newf(fault.RequestTimeout, "request exceeded %s", t.timeout))
		}
		return ErrorResult(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyMaxBytes))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err))
	}

	slog.Info("http_request",
		"request_id", requestID,
		"agent", CallerFromCtx(ctx),
		"url", rawURL,
		"method", method,
		"status", resp.StatusCode,
		"latency_ms", latency.Milliseconds(),
		"body", truncateStr(string(respBody), t.logBodyMax),
	)

	return NewResult(fmt.Sprintf("Status: %d\n\n%s", resp.StatusCode, respBody))
}

func isClientTimeout(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
