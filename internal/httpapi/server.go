// Package httpapi is the operator surface: a small REST API over the runtime
// plus a WebSocket event stream. It holds no domain state of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/org"
	"github.com/nextlevelbuilder/agora/internal/runtime"
)

// Config configures the listener. An empty Token disables auth (local dev).
type Config struct {
	Addr           string
	Token          string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server serves the REST API and the /ws event stream.
type Server struct {
	cfg     Config
	rt      *runtime.Runtime
	hub     *Hub
	limiter *rate.Limiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// New builds the server and subscribes the event hub to runtime and bus
// events. Call before rt.Start so no event is missed.
func New(cfg Config, rt *runtime.Runtime) *Server {
	s := &Server{
		cfg: cfg,
		rt:  rt,
		hub: NewHub(),
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitRPS)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	s.bindEvents()
	return s
}

// Routes builds and caches the mux.
func (s *Server) Routes() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.auth(s.handleWS))

	mux.HandleFunc("POST /v1/tasks", s.auth(s.limited(s.handleSubmitTask)))
	mux.HandleFunc("GET /v1/agents", s.auth(s.handleListAgents))
	mux.HandleFunc("GET /v1/agents/{id}", s.auth(s.handleGetAgent))
	mux.HandleFunc("POST /v1/agents/{id}/messages", s.auth(s.limited(s.handleSendToAgent)))
	mux.HandleFunc("GET /v1/agents/{id}/messages", s.auth(s.handleAgentMessages))
	mux.HandleFunc("POST /v1/agents/{id}/abort", s.auth(s.handleAbort))
	mux.HandleFunc("DELETE /v1/agents/{id}", s.auth(s.handleDeleteAgent))
	mux.HandleFunc("GET /v1/roles", s.auth(s.handleListRoles))
	mux.HandleFunc("POST /v1/roles", s.auth(s.limited(s.handleCreateRole)))
	mux.HandleFunc("PATCH /v1/roles/{id}", s.auth(s.handleUpdateRole))
	mux.HandleFunc("DELETE /v1/roles/{id}", s.auth(s.handleDeleteRole))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.Routes()}
	slog.Info("httpapi.listening", "addr", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.hub.CloseAll()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// Hub returns the event hub for additional publishers.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && bearerToken(r) != s.cfg.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			slog.Warn("httpapi.rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}
		next(w, r)
	}
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptimeMs": s.rt.Uptime().Milliseconds(),
		"pool":     s.rt.PoolStats(),
	})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	taskID, err := s.rt.SubmitTask(req.Text)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": taskID})
}

func (s *Server) handleSendToAgent(w http.ResponseWriter, r *http.Request) {
	var payload bus.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	receipt, err := s.rt.SendToAgent(r.PathValue("id"), payload)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// agentView is an org.Agent plus its live compute status.
type agentView struct {
	*org.Agent
	ComputeStatus runtime.ComputeStatus `json:"computeStatus"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.rt.Org().ListAgents()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentView{Agent: a, ComputeStatus: s.rt.Status(a.AgentID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.rt.Org().GetAgent(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentView{Agent: a, ComputeStatus: s.rt.Status(a.AgentID)})
}

func (s *Server) handleAgentMessages(w http.ResponseWriter, r *http.Request) {
	archive := s.rt.Archive()
	if archive == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "archive_disabled"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := archive.ListByAgent(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	res := s.rt.AbortAgentLLMCall(r.PathValue("id"))
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadRequest
		if res.Reason == string(fault.AgentNotFound) {
			status = http.StatusNotFound
		}
	}
	writeJSON(w, status, res)
}

// handleDeleteAgent terminates on behalf of the agent's parent: the REST
// surface is an operator tool, not a peer agent.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "deleted via api"
	}
	a, err := s.rt.Org().GetAgent(agentID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.rt.TerminateAgent(a.ParentAgentID, agentID, reason); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agentId": agentID})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roles": s.rt.Org().ListRoles()})
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		RolePrompt   string   `json:"rolePrompt"`
		LLMServiceID string   `json:"llmServiceId"`
		ToolGroups   []string `json:"toolGroups"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	role, err := s.rt.Org().CreateRole(req.Name, req.RolePrompt, req.LLMServiceID, req.ToolGroups, org.AgentRoot)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RolePrompt   *string   `json:"rolePrompt"`
		LLMServiceID *string   `json:"llmServiceId"`
		ToolGroups   *[]string `json:"toolGroups"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	role, err := s.rt.Org().UpdateRole(r.PathValue("id"), org.RoleUpdate{
		RolePrompt:   req.RolePrompt,
		LLMServiceID: req.LLMServiceID,
		ToolGroups:   req.ToolGroups,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	res, err := s.rt.Org().DeleteRole(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFault renders a domain error as {error, detail} with a status derived
// from its code.
func writeFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case fault.MissingText, fault.MissingAgentID, fault.MissingTo, fault.MissingFrom,
		fault.InvalidArgs, fault.InvalidParentAgentID, fault.InvalidMethod:
		status = http.StatusBadRequest
	case fault.AgentNotFound, fault.RoleNotFound, fault.ToolNotFound:
		status = http.StatusNotFound
	case fault.NotChildAgent, fault.NotChildRole, fault.CannotDeleteSystemAgent,
		fault.CannotDeleteSystemRole, fault.CrossTaskDenied, fault.ToolNotAllowedForRole:
		status = http.StatusForbidden
	case fault.AgentAlreadyTerminated, fault.RoleAlreadyDeleted, fault.AgentAlreadyActive:
		status = http.StatusConflict
	}
	body := map[string]string{"error": string(code)}
	if code == "" {
		body["error"] = "internal"
	}
	body["detail"] = err.Error()
	writeJSON(w, status, body)
}
