// Package groundstop implements the emergency ground-stop mechanism. When a
// hold is active, new dock allocations and pod admissions for the affected
// agents are refused at the API level; the check runs before any allocator
// logic so a hold cannot be raced past.
package groundstop

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skyfence/skyfence/internal/metrics"
)

// Scope determines what a hold affects.
type Scope string

const (
	ScopeGlobal Scope = "global" // every agent
	ScopeAgent  Scope = "agent"  // one agent
)

// HoldRecord logs who triggered a hold and why.
type HoldRecord struct {
	Scope     Scope     `json:"scope"`
	AgentID   string    `json:"agent_id,omitempty"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // api, cli, file
	Timestamp time.Time `json:"timestamp"`
}

// GroundStop holds the global and per-agent emergency stops. IsHeld is the
// hot-path check, called before every allocation and admission.
type GroundStop struct {
	mu sync.RWMutex

	globalHeld bool
	agentHolds map[string]HoldRecord

	// history keeps every trigger for audit.
	history []HoldRecord

	// sentinelPath is checked for a HOLD sentinel file.
	sentinelPath string

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a GroundStop. The presence of a HOLD file under the user's
// .skyfence directory triggers a global hold via CheckSentinel.
func New(m *metrics.Metrics, logger *slog.Logger) *GroundStop {
	if logger == nil {
		logger = slog.Default()
	}

	homeDir, _ := os.UserHomeDir()
	sentinelPath := filepath.Join(homeDir, ".skyfence", "HOLD")

	return &GroundStop{
		agentHolds:   make(map[string]HoldRecord),
		sentinelPath: sentinelPath,
		metrics:      m,
		logger:       logger.With("component", "groundstop"),
	}
}

// IsHeld reports whether the agent is under a hold, with the reason.
func (g *GroundStop) IsHeld(agentID string) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.globalHeld {
		return true, "global ground stop active"
	}
	if record, ok := g.agentHolds[agentID]; ok {
		return true, fmt.Sprintf("agent ground stop active: %s", record.Reason)
	}
	return false, ""
}

// TriggerGlobal activates the global hold.
func (g *GroundStop) TriggerGlobal(reason, source string) {
	g.mu.Lock()
	g.globalHeld = true
	record := HoldRecord{
		Scope:     ScopeGlobal,
		Reason:    reason,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	g.history = append(g.history, record)
	g.mu.Unlock()

	g.metrics.IncGroundStop(string(ScopeGlobal))
	g.logger.Error("GLOBAL GROUND STOP TRIGGERED",
		"reason", reason,
		"source", source,
	)
}

// TriggerAgent activates a hold for one agent.
func (g *GroundStop) TriggerAgent(agentID, reason, source string) {
	g.mu.Lock()
	record := HoldRecord{
		Scope:     ScopeAgent,
		AgentID:   agentID,
		Reason:    reason,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	g.agentHolds[agentID] = record
	g.history = append(g.history, record)
	g.mu.Unlock()

	g.metrics.IncGroundStop(string(ScopeAgent))
	g.logger.Error("AGENT GROUND STOP TRIGGERED",
		"agent_id", agentID,
		"reason", reason,
		"source", source,
	)
}

// ResetGlobal lifts the global hold.
func (g *GroundStop) ResetGlobal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.globalHeld = false
	g.logger.Info("global ground stop lifted")
}

// ResetAgent lifts the hold for one agent.
func (g *GroundStop) ResetAgent(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.agentHolds, agentID)
	g.logger.Info("agent ground stop lifted", "agent_id", agentID)
}

// Status returns the current hold state.
func (g *GroundStop) Status() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	agentHolds := make(map[string]HoldRecord, len(g.agentHolds))
	for k, v := range g.agentHolds {
		agentHolds[k] = v
	}

	return map[string]interface{}{
		"global_held":   g.globalHeld,
		"agent_holds":   agentHolds,
		"history_count": len(g.history),
	}
}

// History returns the full hold history for audit purposes.
func (g *GroundStop) History() []HoldRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]HoldRecord, len(g.history))
	copy(out, g.history)
	return out
}

// CheckSentinel checks for the HOLD sentinel file and triggers the global
// hold if found. Call periodically.
func (g *GroundStop) CheckSentinel() {
	if g.sentinelPath == "" {
		return
	}
	if _, err := os.Stat(g.sentinelPath); err == nil {
		g.mu.RLock()
		alreadyHeld := g.globalHeld
		g.mu.RUnlock()

		if !alreadyHeld {
			g.TriggerGlobal("HOLD sentinel file detected", "file")
		}
	}
}
