// Package org is the source of truth for roles, agents, parentage, and task
// entry points. It owns no goroutines; the runtime calls in under its own
// scheduling.
package org

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agora/internal/fault"
)

// System identities. The root and user roles (and their singleton agents)
// exist from construction and can never be deleted or terminated.
const (
	RoleRoot = "root"
	RoleUser = "user"

	AgentRoot = "root"
	AgentUser = "user"
)

// Role statuses.
const (
	RoleActive  = "active"
	RoleDeleted = "deleted"
)

// Agent statuses.
const (
	AgentActive     = "active"
	AgentTerminated = "terminated"
)

// Role is a template for agents: prompt, tool access, preferred LLM service.
type Role struct {
	RoleID       string    `json:"roleId"`
	Name         string    `json:"name"`
	RolePrompt   string    `json:"rolePrompt,omitempty"`
	LLMServiceID string    `json:"llmServiceId,omitempty"` // "" = default service
	ToolGroups   []string  `json:"toolGroups,omitempty"`   // nil = all groups
	CreatedBy    string    `json:"createdBy,omitempty"`    // agentId of creator, "" for system roles
	CreatedAt    time.Time `json:"createdAt"`
	Status       string    `json:"status"`
}

// Agent is a registered actor. ParentAgentID anchors the task subtree used by
// the isolation rule.
type Agent struct {
	AgentID       string     `json:"agentId"`
	RoleID        string     `json:"roleId"`
	ParentAgentID string     `json:"parentAgentId,omitempty"`
	DisplayName   string     `json:"displayName,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Status        string     `json:"status"`
	TerminatedAt  *time.Time `json:"terminatedAt,omitempty"`
	TerminatedBy  string     `json:"terminatedBy,omitempty"`
}

// Termination records one terminateAgent event, exactly once per agent.
type Termination struct {
	AgentID      string    `json:"agentId"`
	TerminatedBy string    `json:"terminatedBy"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// RoleUpdate holds the mutable role fields. Nil pointers leave the field
// untouched; a non-nil empty ToolGroups slice means "no groups".
type RoleUpdate struct {
	RolePrompt   *string
	LLMServiceID *string
	ToolGroups   *[]string
}

// DeleteRoleResult reports the cascade of a soft role deletion.
type DeleteRoleResult struct {
	RoleID          string   `json:"roleId"`
	DescendantRoles []string `json:"descendantRoles"`
	AffectedAgents  []string `json:"affectedAgents"`
}

// TerminationHook observes termination events (persistence collaborator).
type TerminationHook func(Termination)

// Registry holds the organization state. Safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	roles        map[string]*Role
	agents       map[string]*Agent
	terminations []Termination
	entryPoints  map[string]string // taskId → entry agentId

	onTermination []TerminationHook
}

// NewRegistry builds a registry seeded with the system roles and singletons.
func NewRegistry() *Registry {
	r := &Registry{
		roles:       make(map[string]*Role),
		agents:      make(map[string]*Agent),
		entryPoints: make(map[string]string),
	}
	now := time.Now().UTC()
	for _, id := range []string{RoleRoot, RoleUser} {
		r.roles[id] = &Role{RoleID: id, Name: id, CreatedAt: now, Status: RoleActive}
		r.agents[id] = &Agent{AgentID: id, RoleID: id, CreatedAt: now, Status: AgentActive}
	}
	return r
}

// OnTermination registers a hook fired once per termination event.
func (r *Registry) OnTermination(h TerminationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTermination = append(r.onTermination, h)
}

// IsSystemAgent reports whether agentID is a protected singleton.
func IsSystemAgent(agentID string) bool {
	return agentID == AgentRoot || agentID == AgentUser
}

// IsSystemRole reports whether roleID is a protected system role.
func IsSystemRole(roleID string) bool {
	return roleID == RoleRoot || roleID == RoleUser
}

// CreateRole registers a new active role. The roleId is generated.
func (r *Registry) CreateRole(name, rolePrompt, llmServiceID string, toolGroups []string, createdBy string) (*Role, error) {
	if name == "" {
		return nil, fault.Newf(fault.InvalidArgs, "role name is required")
	}
	role := &Role{
		RoleID:       uuid.NewString(),
		Name:         name,
		RolePrompt:   rolePrompt,
		LLMServiceID: llmServiceID,
		ToolGroups:   toolGroups,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
		Status:       RoleActive,
	}
	r.mu.Lock()
	r.roles[role.RoleID] = role
	r.mu.Unlock()
	return snapshotRole(role), nil
}

// GetRole returns a copy of the role, active or deleted.
func (r *Registry) GetRole(roleID string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[roleID]
	if !ok {
		return nil, fault.Newf(fault.RoleNotFound, "role %s", roleID)
	}
	return snapshotRole(role), nil
}

// UpdateRole mutates the mutable fields of a non-system, non-deleted role.
func (r *Registry) UpdateRole(roleID string, upd RoleUpdate) (*Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleID]
	if !ok {
		return nil, fault.Newf(fault.RoleNotFound, "role %s", roleID)
	}
	if IsSystemRole(roleID) {
		return nil, fault.New(fault.CannotDeleteSystemRole)
	}
	if role.Status == RoleDeleted {
		return nil, fault.Newf(fault.RoleAlreadyDeleted, "role %s", roleID)
	}
	if upd.RolePrompt != nil {
		role.RolePrompt = *upd.RolePrompt
	}
	if upd.LLMServiceID != nil {
		role.LLMServiceID = *upd.LLMServiceID
	}
	if upd.ToolGroups != nil {
		role.ToolGroups = append([]string(nil), (*upd.ToolGroups)...)
	}
	return snapshotRole(role), nil
}

// DeleteRole soft-deletes a role and every role whose createdBy chain roots
// in an agent of the deleted role. The cascade set is snapshotted at deletion
// time. Returns the descendant roles and the agents holding any of them.
func (r *Registry) DeleteRole(roleID string) (*DeleteRoleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleID]
	if !ok {
		return nil, fault.Newf(fault.RoleNotFound, "role %s", roleID)
	}
	if IsSystemRole(roleID) {
		return nil, fault.New(fault.CannotDeleteSystemRole)
	}
	if role.Status == RoleDeleted {
		return nil, fault.Newf(fault.RoleAlreadyDeleted, "role %s", roleID)
	}

	doomed := map[string]bool{roleID: true}
	// Fixed point: a role is doomed when its creator agent holds a doomed role.
	for changed := true; changed; {
		changed = false
		for id, candidate := range r.roles {
			if doomed[id] || candidate.Status == RoleDeleted || candidate.CreatedBy == "" {
				continue
			}
			creator, ok := r.agents[candidate.CreatedBy]
			if ok && doomed[creator.RoleID] {
				doomed[id] = true
				changed = true
			}
		}
	}

	res := &DeleteRoleResult{RoleID: roleID}
	for id := range doomed {
		r.roles[id].Status = RoleDeleted
		if id != roleID {
			res.DescendantRoles = append(res.DescendantRoles, id)
		}
	}
	for id, a := range r.agents {
		if doomed[a.RoleID] && a.Status == AgentActive {
			res.AffectedAgents = append(res.AffectedAgents, id)
		}
	}
	return res, nil
}

// ListRoles returns copies of all roles, active and deleted.
func (r *Registry) ListRoles() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, snapshotRole(role))
	}
	return out
}

// CreateAgent registers a new active agent for an active role.
func (r *Registry) CreateAgent(roleID, parentAgentID, displayName string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleID]
	if !ok || role.Status != RoleActive {
		return nil, fault.Newf(fault.RoleNotFound, "role %s", roleID)
	}
	if parentAgentID != "" {
		if _, ok := r.agents[parentAgentID]; !ok {
			return nil, fault.Newf(fault.InvalidParentAgentID, "parent %s not registered", parentAgentID)
		}
	}
	a := &Agent{
		AgentID:       uuid.NewString(),
		RoleID:        roleID,
		ParentAgentID: parentAgentID,
		DisplayName:   displayName,
		CreatedAt:     time.Now().UTC(),
		Status:        AgentActive,
	}
	r.agents[a.AgentID] = a
	return snapshotAgent(a), nil
}

// GetAgent returns a copy of the agent, active or terminated.
func (r *Registry) GetAgent(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, fault.Newf(fault.AgentNotFound, "agent %s", agentID)
	}
	return snapshotAgent(a), nil
}

// ListAgents returns copies of all active agents.
func (r *Registry) ListAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Status == AgentActive {
			out = append(out, snapshotAgent(a))
		}
	}
	return out
}

// RecordTermination transitions the agent to terminated exactly once and
// emits the termination event.
func (r *Registry) RecordTermination(agentID, by, reason string) (*Termination, error) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, fault.Newf(fault.AgentNotFound, "agent %s", agentID)
	}
	if IsSystemAgent(agentID) {
		r.mu.Unlock()
		return nil, fault.New(fault.CannotDeleteSystemAgent)
	}
	if a.Status == AgentTerminated {
		r.mu.Unlock()
		return nil, fault.Newf(fault.AgentAlreadyTerminated, "agent %s", agentID)
	}
	now := time.Now().UTC()
	a.Status = AgentTerminated
	a.TerminatedAt = &now
	a.TerminatedBy = by
	ev := Termination{AgentID: agentID, TerminatedBy: by, Reason: reason, At: now}
	r.terminations = append(r.terminations, ev)
	hooks := append([]TerminationHook(nil), r.onTermination...)
	r.mu.Unlock()

	for _, h := range hooks {
		h(ev)
	}
	return &ev, nil
}

// Terminations returns a copy of all recorded termination events.
func (r *Registry) Terminations() []Termination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Termination(nil), r.terminations...)
}

// SetTaskEntry records the entry agent of a task. First writer wins; the
// entry agent never changes for the lifetime of a task.
func (r *Registry) SetTaskEntry(taskID, agentID string) {
	if taskID == "" || agentID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entryPoints[taskID]; !exists {
		r.entryPoints[taskID] = agentID
	}
}

// TaskEntry returns the entry agent of a task, or "".
func (r *Registry) TaskEntry(taskID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entryPoints[taskID]
}

// IsDescendantOf walks parentAgentId links from agentID looking for ancestor.
// An agent is considered a descendant of itself.
func (r *Registry) IsDescendantOf(agentID, ancestor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for cur := agentID; cur != "" && !seen[cur]; {
		if cur == ancestor {
			return true
		}
		seen[cur] = true
		a, ok := r.agents[cur]
		if !ok {
			return false
		}
		cur = a.ParentAgentID
	}
	return false
}

// RoleDescendantOf reports whether roleID's createdBy chain roots in an agent
// holding ancestorRoleID. A role is a descendant of itself.
func (r *Registry) RoleDescendantOf(roleID, ancestorRoleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for cur := roleID; cur != "" && !seen[cur]; {
		if cur == ancestorRoleID {
			return true
		}
		seen[cur] = true
		role, ok := r.roles[cur]
		if !ok || role.CreatedBy == "" {
			return false
		}
		creator, ok := r.agents[role.CreatedBy]
		if !ok {
			return false
		}
		cur = creator.RoleID
	}
	return false
}

func snapshotRole(role *Role) *Role {
	cp := *role
	cp.ToolGroups = append([]string(nil), role.ToolGroups...)
	if role.ToolGroups == nil {
		cp.ToolGroups = nil
	}
	return &cp
}

func snapshotAgent(a *Agent) *Agent {
	cp := *a
	return &cp
}
