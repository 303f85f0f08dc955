package org

import "sort"

// State is the serializable organization snapshot. Field order is stable so
// the persisted JSON document diffs cleanly across restarts.
type State struct {
	Roles        []*Role       `json:"roles"`
	Agents       []*Agent      `json:"agents"`
	Terminations []Termination `json:"terminations"`
}

// Snapshot returns a deep copy of the registry state with deterministic
// ordering (roles and agents sorted by creation time, then id).
func (r *Registry) Snapshot() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := &State{
		Roles:        make([]*Role, 0, len(r.roles)),
		Agents:       make([]*Agent, 0, len(r.agents)),
		Terminations: append([]Termination(nil), r.terminations...),
	}
	for _, role := range r.roles {
		st.Roles = append(st.Roles, snapshotRole(role))
	}
	for _, a := range r.agents {
		st.Agents = append(st.Agents, snapshotAgent(a))
	}
	sort.Slice(st.Roles, func(i, j int) bool {
		if !st.Roles[i].CreatedAt.Equal(st.Roles[j].CreatedAt) {
			return st.Roles[i].CreatedAt.Before(st.Roles[j].CreatedAt)
		}
		return st.Roles[i].RoleID < st.Roles[j].RoleID
	})
	sort.Slice(st.Agents, func(i, j int) bool {
		if !st.Agents[i].CreatedAt.Equal(st.Agents[j].CreatedAt) {
			return st.Agents[i].CreatedAt.Before(st.Agents[j].CreatedAt)
		}
		return st.Agents[i].AgentID < st.Agents[j].AgentID
	})
	return st
}

// Restore replaces the registry contents from a snapshot. System roles and
// singleton agents are re-seeded if the snapshot predates them.
func (r *Registry) Restore(st *State) {
	if st == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, role := range st.Roles {
		r.roles[role.RoleID] = snapshotRole(role)
	}
	for _, a := range st.Agents {
		r.agents[a.AgentID] = snapshotAgent(a)
	}
	r.terminations = append([]Termination(nil), st.Terminations...)
}
