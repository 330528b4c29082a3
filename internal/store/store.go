package store

import "time"

// Store defines the interface for persistence backends. The in-memory core
// makes every decision first; the store records the outcome. A store error
// is logged by the caller and never aborts unrelated work.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Position samples (append-only).
	InsertSample(s *PositionSample) error
	ListSamples(filter SampleFilter) ([]*PositionSample, error)

	// Violations.
	InsertViolation(v *ViolationRecord) error
	ListViolations(filter ViolationFilter) ([]*ViolationRecord, int, error)

	// Zone state (lifecycle status + violation counters).
	UpsertZoneState(zs *ZoneState) error
	GetZoneState(zoneID string) (*ZoneState, error)
	ListZoneStates() ([]*ZoneState, error)

	// Dock allocations.
	InsertAllocation(a *AllocationRecord) error
	CompleteAllocation(id string, undockedAt time.Time) error
	GetActiveAllocation(agentID string) (*AllocationRecord, error)
	ListActiveAllocations() ([]*AllocationRecord, error)
	ListAllocations(agentID string, limit int) ([]*AllocationRecord, error)

	// Holding pod membership.
	UpsertPodMember(m *PodMember) error
	DeletePodMember(agentID string) error
	ListPodMembers() ([]*PodMember, error)

	// Maintenance.
	PruneSamplesOlderThan(cutoff time.Time) (int64, error)

	// Aggregates.
	GetSystemStats() (*SystemStats, error)
}
