// Package pod implements the fixed-capacity holding pod: a bounded set of
// agents parked for staging, weather holds, or emergency recalls.
package pod

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skyfence/skyfence/internal/metrics"
	"github.com/skyfence/skyfence/internal/store"
)

// Pod is a bounded agent set. Capacity is fixed for the process lifetime;
// all mutation happens under one mutex so admit and release are atomic.
type Pod struct {
	mu       sync.Mutex
	capacity int
	members  map[string]time.Time // agentID -> admitted at
	store    store.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Member is one pod occupant for API responses.
type Member struct {
	AgentID    string    `json:"agent_id"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// NewPod creates a pod with the given capacity. Non-positive capacities are
// logged and clamped to 1. When a store is present, membership persists
// across restarts.
func NewPod(capacity int, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Pod {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "pod.Pod")
	if capacity < 1 {
		log.Error("invalid pod capacity, clamping to 1", "capacity", capacity)
		capacity = 1
	}
	p := &Pod{
		capacity: capacity,
		members:  make(map[string]time.Time),
		store:    st,
		metrics:  m,
		logger:   log,
	}
	p.restore()
	return p
}

// restore reloads persisted membership, dropping members past capacity in
// case the configured capacity shrank since the last run.
func (p *Pod) restore() {
	if p.store == nil {
		return
	}
	persisted, err := p.store.ListPodMembers()
	if err != nil {
		p.logger.Warn("failed to restore pod membership", "error", err)
		return
	}
	sort.Slice(persisted, func(i, j int) bool {
		return persisted[i].AdmittedAt.Before(persisted[j].AdmittedAt)
	})
	for _, m := range persisted {
		if len(p.members) >= p.capacity {
			p.logger.Warn("dropping persisted pod member past capacity", "agent_id", m.AgentID)
			if err := p.store.DeletePodMember(m.AgentID); err != nil {
				p.logger.Error("failed to drop pod member", "agent_id", m.AgentID, "error", err)
			}
			continue
		}
		p.members[m.AgentID] = m.AdmittedAt
	}
	if len(p.members) > 0 {
		p.logger.Info("restored pod membership", "members", len(p.members))
	}
	p.metrics.SetPodOccupancy(len(p.members))
}

// Admit adds the agent to the pod. Returns false without mutating state
// when the pod is full or the agent is already a member.
func (p *Pod) Admit(agentID string) bool {
	if agentID == "" {
		return false
	}

	p.mu.Lock()
	if _, member := p.members[agentID]; member {
		p.mu.Unlock()
		return false
	}
	if len(p.members) >= p.capacity {
		p.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	p.members[agentID] = now
	occupancy := len(p.members)
	p.mu.Unlock()

	p.metrics.SetPodOccupancy(occupancy)
	if p.store != nil {
		if err := p.store.UpsertPodMember(&store.PodMember{AgentID: agentID, AdmittedAt: now}); err != nil {
			p.logger.Error("failed to persist pod admit", "agent_id", agentID, "error", err)
		}
	}
	p.logger.Info("agent admitted to pod", "agent_id", agentID, "occupancy", occupancy)
	return true
}

// Release removes the agent, reporting whether a removal occurred.
func (p *Pod) Release(agentID string) bool {
	p.mu.Lock()
	if _, member := p.members[agentID]; !member {
		p.mu.Unlock()
		return false
	}
	delete(p.members, agentID)
	occupancy := len(p.members)
	p.mu.Unlock()

	p.metrics.SetPodOccupancy(occupancy)
	if p.store != nil {
		if err := p.store.DeletePodMember(agentID); err != nil {
			p.logger.Error("failed to persist pod release", "agent_id", agentID, "error", err)
		}
	}
	p.logger.Info("agent released from pod", "agent_id", agentID, "occupancy", occupancy)
	return true
}

// Members returns an independent snapshot ordered by admission time.
func (p *Pod) Members() []Member {
	p.mu.Lock()
	out := make([]Member, 0, len(p.members))
	for id, at := range p.members {
		out = append(out, Member{AgentID: id, AdmittedAt: at})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AdmittedAt.Equal(out[j].AdmittedAt) {
			return out[i].AdmittedAt.Before(out[j].AdmittedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Contains reports whether the agent is currently a member.
func (p *Pod) Contains(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, member := p.members[agentID]
	return member
}

// Occupancy returns the current member count.
func (p *Pod) Occupancy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Capacity returns the fixed capacity.
func (p *Pod) Capacity() int {
	return p.capacity
}

// Available returns the number of free slots.
func (p *Pod) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.members)
}

// IsFull reports whether the pod has no free slots.
func (p *Pod) IsFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members) >= p.capacity
}
