// Package router implements v1's mechanical "next" forward and v2's
// agent-selecting decision: a static router for v1, an LLM-backed router
// and an external-gatekeeper router for v2, all behind one Decide
// contract, plus the agent registry the v2 routers consult.
package router

import (
	"sync"
	"time"
)

// AgentInfo is one registry entry, populated from a retained status
// message on the `/control/agents/+/status` pattern.
type AgentInfo struct {
	AgentID      string
	Capabilities []string
	Load         int
	Status       string
	LastSeen     time.Time
}

// Clock is injected so TTL eviction is testable without real sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Registry is the process-wide mapping of known agents, a shared mutable
// resource alongside the idempotency set. Entries older
// than TTL are treated as unavailable without being actively removed,
// since a late retained message may still arrive.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo
	ttl    time.Duration
	clock  Clock
}

// NewRegistry creates a registry evicting (logically) entries older than
// ttl. A nil clock uses the real wall clock.
func NewRegistry(ttl time.Duration, clock Clock) *Registry {
	if clock == nil {
		clock = systemClock{}
	}
	return &Registry{agents: make(map[string]AgentInfo), ttl: ttl, clock: clock}
}

// Update records or refreshes an agent's entry from a status message.
func (r *Registry) Update(info AgentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[info.AgentID] = info
}

// Lookup returns the entry for agentID if present and not stale.
func (r *Registry) Lookup(agentID string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	if r.ttl > 0 && r.clock.Now().Sub(info.LastSeen) > r.ttl {
		return AgentInfo{}, false
	}
	return info, true
}

// Available returns every non-stale, available agent, for building the
// LLM router's catalog prompt.
func (r *Registry) Available() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		if info.Status != "available" {
			continue
		}
		if r.ttl > 0 && now.Sub(info.LastSeen) > r.ttl {
			continue
		}
		out = append(out, info)
	}
	return out
}
