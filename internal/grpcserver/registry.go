// Package grpcserver hosts the ComplianceAgent gRPC service that fleet
// agents dial over mTLS: registration with JIT certificate enrollment, the
// bidirectional drift stream, healing reports, heartbeats with queued
// command delivery, and RMM inventory.
package grpcserver

import (
	"strings"
	"sync"
	"time"

	pb "github.com/meridianmsp/fleet/internal/agentpb"
)

// AgentState tracks one connected fleet agent.
type AgentState struct {
	AgentID       string
	Hostname      string
	hostnameLower string
	Tier          pb.CapabilityTier
	AgentVersion  string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	DriftCount    int64
	RMMAgents     []*pb.RMMAgent
	pendingCmds   []*pb.HealCommand
	configSeen    int
}

// AgentSummary is a copy-safe view of an agent for status reporting.
type AgentSummary struct {
	AgentID       string
	Hostname      string
	Tier          string
	AgentVersion  string
	LastHeartbeat time.Time
	DriftCount    int64
}

// AgentRegistry indexes connected agents by agent_id and by lowercased
// hostname, and holds the per-agent pending command queue.
type AgentRegistry struct {
	mu            sync.RWMutex
	agents        map[string]*AgentState // agent_id -> state
	hostnameIndex map[string]string      // lowercased hostname -> agent_id
	configVersion int
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents:        make(map[string]*AgentState),
		hostnameIndex: make(map[string]string),
		configVersion: 1,
	}
}

// Register adds or replaces an agent. A re-registering hostname displaces
// the previous agent_id in the hostname index.
func (r *AgentRegistry) Register(state *AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state.hostnameLower = strings.ToLower(state.Hostname)
	state.configSeen = r.configVersion
	r.agents[state.AgentID] = state
	r.hostnameIndex[state.hostnameLower] = state.AgentID
}

// Unregister removes an agent. The hostname index entry is only removed if
// it still points at this agent_id, so a re-registered host survives the
// late unregister of its old connection.
func (r *AgentRegistry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	if r.hostnameIndex[agent.hostnameLower] == agentID {
		delete(r.hostnameIndex, agent.hostnameLower)
	}
	delete(r.agents, agentID)
}

// GetAgent returns the live state for an agent_id, or nil.
func (r *AgentRegistry) GetAgent(agentID string) *AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// GetAgentByHostname looks up an agent case-insensitively by hostname.
func (r *AgentRegistry) GetAgentByHostname(hostname string) *AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentID, ok := r.hostnameIndex[strings.ToLower(hostname)]
	if !ok {
		return nil
	}
	return r.agents[agentID]
}

// HasAgentForHost reports whether any agent is registered for the hostname.
func (r *AgentRegistry) HasAgentForHost(hostname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hostnameIndex[strings.ToLower(hostname)]
	return ok
}

// LiveAgentForHost reports whether the hostname has an agent whose last
// heartbeat is within maxAge. The drift scanner uses this to skip the
// agent-covered checks on hosts the agent already watches.
func (r *AgentRegistry) LiveAgentForHost(hostname string, maxAge time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentID, ok := r.hostnameIndex[strings.ToLower(hostname)]
	if !ok {
		return false
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return time.Since(agent.LastHeartbeat) <= maxAge
}

// Heartbeat records a heartbeat for the agent. Returns false for unknown
// agent_ids so the caller can tell the agent to re-register.
func (r *AgentRegistry) Heartbeat(agentID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.LastHeartbeat = at
	return true
}

// IncrementDrift bumps the drift event counter for the agent.
func (r *AgentRegistry) IncrementDrift(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok {
		agent.DriftCount++
	}
}

// SetRMMAgents stores the most recent RMM inventory for the agent.
func (r *AgentRegistry) SetRMMAgents(agentID string, rmm []*pb.RMMAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok {
		agent.RMMAgents = rmm
	}
}

// QueueHealCommand appends a command to the agent's pending queue, looked
// up by hostname. Returns false when no agent is registered for the host.
func (r *AgentRegistry) QueueHealCommand(hostname string, cmd *pb.HealCommand) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.hostnameIndex[strings.ToLower(hostname)]
	if !ok {
		return false
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.pendingCmds = append(agent.pendingCmds, cmd)
	return true
}

// PopPendingCommands drains and clears the agent's pending queue. Commands
// are returned in FIFO order; callers deliver them on the next heartbeat.
func (r *AgentRegistry) PopPendingCommands(agentID string) []*pb.HealCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok || len(agent.pendingCmds) == 0 {
		return nil
	}
	cmds := agent.pendingCmds
	agent.pendingCmds = nil
	return cmds
}

// ConnectedCount returns the number of registered agents.
func (r *AgentRegistry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Snapshot returns copy-safe summaries of every registered agent, for the
// checkin payload and status reporting.
func (r *AgentRegistry) Snapshot() []AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentSummary, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, AgentSummary{
			AgentID:       agent.AgentID,
			Hostname:      agent.Hostname,
			Tier:          agent.Tier.String(),
			AgentVersion:  agent.AgentVersion,
			LastHeartbeat: agent.LastHeartbeat,
			DriftCount:    agent.DriftCount,
		})
	}
	return out
}

// PruneStale removes agents whose last heartbeat is older than maxAge and
// returns how many were dropped.
func (r *AgentRegistry) PruneStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for id, agent := range r.agents {
		if agent.LastHeartbeat.Before(cutoff) {
			if r.hostnameIndex[agent.hostnameLower] == id {
				delete(r.hostnameIndex, agent.hostnameLower)
			}
			delete(r.agents, id)
			pruned++
		}
	}
	return pruned
}

// BumpConfigVersion marks the agent check configuration as changed. Agents
// learn about it through the config_changed flag on their next heartbeat.
func (r *AgentRegistry) BumpConfigVersion() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configVersion++
}

// consumeConfigChange reports whether configuration changed since the agent
// last heard about it, and marks the agent up to date.
func (r *AgentRegistry) consumeConfigChange(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	if agent.configSeen < r.configVersion {
		agent.configSeen = r.configVersion
		return true
	}
	return false
}
