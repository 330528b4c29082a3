package store

import (
	"time"
)

// SampleSource tags how a position sample was produced.
type SampleSource string

const (
	SourceGPS       SampleSource = "gps"
	SourceManual    SampleSource = "manual"
	SourceEstimated SampleSource = "estimated"
)

// PositionSample is a single position report from an agent. Samples are
// immutable once stored; the track store never mutates a past sample.
type PositionSample struct {
	ID         string       `json:"id" db:"id"`
	AgentID    string       `json:"agent_id" db:"agent_id"`
	Lat        float64      `json:"lat" db:"lat"`
	Lon        float64      `json:"lon" db:"lon"`
	AltitudeM  *float64     `json:"altitude_m,omitempty" db:"altitude_m"`
	Timestamp  time.Time    `json:"timestamp" db:"timestamp"`
	SpeedMps   *float64     `json:"speed_mps,omitempty" db:"speed_mps"`
	HeadingDeg *float64     `json:"heading_deg,omitempty" db:"heading_deg"`
	BatteryPct *float64     `json:"battery_pct,omitempty" db:"battery_pct"`
	AccuracyM  *float64     `json:"accuracy_m,omitempty" db:"accuracy_m"`
	Source     SampleSource `json:"source" db:"source"`
}

// ViolationRecord is a persisted zone violation event.
type ViolationRecord struct {
	ID        string    `json:"id" db:"id"`
	ZoneID    string    `json:"zone_id" db:"zone_id"`
	ZoneName  string    `json:"zone_name" db:"zone_name"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Boundary  string    `json:"boundary" db:"boundary"` // inclusion, exclusion
	Action    string    `json:"action" db:"action"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Lat       float64   `json:"lat" db:"lat"`
	Lon       float64   `json:"lon" db:"lon"`
	AltitudeM *float64  `json:"altitude_m,omitempty" db:"altitude_m"`
}

// ZoneState holds the mutable per-zone record kept apart from the immutable
// zone definition: lifecycle status plus the violation counters.
type ZoneState struct {
	ZoneID          string     `json:"zone_id" db:"zone_id"`
	Status          string     `json:"status" db:"status"`
	ViolationCount  int64      `json:"violation_count" db:"violation_count"`
	LastViolationAt *time.Time `json:"last_violation_at,omitempty" db:"last_violation_at"`
}

// AllocationRecord links an agent to a docking station for an active period.
// UndockedAt is nil while the allocation is active; at most one active record
// exists per agent.
type AllocationRecord struct {
	ID         string     `json:"id" db:"id"`
	AgentID    string     `json:"agent_id" db:"agent_id"`
	StationID  string     `json:"station_id" db:"station_id"`
	DockedAt   time.Time  `json:"docked_at" db:"docked_at"`
	UndockedAt *time.Time `json:"undocked_at,omitempty" db:"undocked_at"`
	Purpose    string     `json:"purpose,omitempty" db:"purpose"`
}

// PodMember is a persisted holding-pod membership row.
type PodMember struct {
	AgentID    string    `json:"agent_id" db:"agent_id"`
	AdmittedAt time.Time `json:"admitted_at" db:"admitted_at"`
}

// SampleFilter defines query parameters for listing position samples.
type SampleFilter struct {
	AgentID string
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// ViolationFilter defines query parameters for listing violations.
type ViolationFilter struct {
	AgentID string
	ZoneID  string
	Since   *time.Time
	Limit   int
	Offset  int
}

// SystemStats holds aggregate counts for the dashboard stats endpoint.
type SystemStats struct {
	TotalSamples      int64 `json:"total_samples"`
	TrackedAgents     int64 `json:"tracked_agents"`
	TotalViolations   int64 `json:"total_violations"`
	ActiveAllocations int64 `json:"active_allocations"`
	TotalAllocations  int64 `json:"total_allocations"`
	PodOccupancy      int64 `json:"pod_occupancy"`
}
