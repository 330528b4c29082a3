// Package dock manages docking stations and agent dock allocations. The
// occupancy invariant (0 <= occupancy <= capacity) is enforced on every
// state change under the owning station's lock.
package dock

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skyfence/skyfence/internal/config"
	"github.com/skyfence/skyfence/internal/geo"
	"github.com/skyfence/skyfence/internal/metrics"
	"github.com/skyfence/skyfence/internal/store"
)

// StationStatus is the operational status of a docking station.
type StationStatus string

const (
	StatusOperational  StationStatus = "operational"
	StatusMaintenance  StationStatus = "maintenance"
	StatusOutOfService StationStatus = "out_of_service"
	StatusEmergency    StationStatus = "emergency"
	StatusOffline      StationStatus = "offline"
)

// Capability names the station features an agent can request.
type Capability string

const (
	CapabilityCharging    Capability = "charging"
	CapabilityMaintenance Capability = "maintenance"
)

var (
	ErrNoEligibleStation     = errors.New("no eligible station")
	ErrAgentAlreadyDocked    = errors.New("agent already has an active allocation")
	ErrNotCurrentlyAllocated = errors.New("agent has no active allocation")
	ErrUnknownCapability     = errors.New("unknown capability")
)

// Station is a docking resource. Occupancy and status are mutated only
// while holding mu; the identity fields are immutable after construction.
type Station struct {
	mu sync.Mutex

	ID          string
	Name        string
	Location    geo.LatLon
	Capacity    int
	Charging    bool
	Maintenance bool

	occupancy int
	status    StationStatus
}

// StationView is a copied snapshot of a station for API responses.
type StationView struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Lat         float64       `json:"lat"`
	Lon         float64       `json:"lon"`
	Capacity    int           `json:"capacity"`
	Occupancy   int           `json:"occupancy"`
	Charging    bool          `json:"charging"`
	Maintenance bool          `json:"maintenance"`
	Status      StationStatus `json:"status"`
}

// Allocation links an agent to a station for one docking.
type Allocation struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	StationID  string     `json:"station_id"`
	DockedAt   time.Time  `json:"docked_at"`
	UndockedAt *time.Time `json:"undocked_at,omitempty"`
	Purpose    string     `json:"purpose,omitempty"`
}

// Allocator owns the station set and the active-allocation index. At most
// one active allocation exists per agent.
type Allocator struct {
	mu       sync.RWMutex
	stations map[string]*Station
	active   map[string]*Allocation // agentID -> active allocation
	store    store.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewAllocator creates an allocator with the configured stations. Stations
// with an empty status default to operational; unknown statuses are logged
// and mapped to offline. When a store is present, active allocations from a
// previous run are restored.
func NewAllocator(configs []config.StationConfig, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{
		stations: make(map[string]*Station, len(configs)),
		active:   make(map[string]*Allocation),
		store:    st,
		metrics:  m,
		logger:   logger.With("component", "dock.Allocator"),
	}

	for _, cfg := range configs {
		if cfg.ID == "" || cfg.Capacity <= 0 {
			a.logger.Error("skipping invalid station definition", "station_id", cfg.ID, "capacity", cfg.Capacity)
			continue
		}
		if p := (geo.LatLon{Lat: cfg.Lat, Lon: cfg.Lon}); !p.Valid() {
			a.logger.Error("skipping station with invalid coordinates", "station_id", cfg.ID)
			continue
		}
		if _, dup := a.stations[cfg.ID]; dup {
			a.logger.Error("skipping duplicate station id", "station_id", cfg.ID)
			continue
		}
		a.stations[cfg.ID] = &Station{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Location:    geo.LatLon{Lat: cfg.Lat, Lon: cfg.Lon},
			Capacity:    cfg.Capacity,
			Charging:    cfg.Charging,
			Maintenance: cfg.Maintenance,
			status:      parseStationStatus(cfg.Status, a.logger, cfg.ID),
		}
	}

	a.restore()
	return a
}

// restore reloads active allocations and rebuilds station occupancy, so an
// agent docked before a restart stays docked. Records that no longer fit (the
// station was removed, shrank, or the agent somehow holds two) are closed in
// the store rather than restored, keeping one active record per agent.
func (a *Allocator) restore() {
	if a.store == nil {
		return
	}
	records, err := a.store.ListActiveAllocations()
	if err != nil {
		a.logger.Warn("failed to restore allocations", "error", err)
		return
	}

	for _, rec := range records {
		s := a.stations[rec.StationID]
		_, dup := a.active[rec.AgentID]
		ok := s != nil && !dup
		if ok {
			s.mu.Lock()
			if s.occupancy < s.Capacity {
				s.occupancy++
				a.metrics.SetStationOccupancy(s.ID, s.occupancy)
			} else {
				ok = false
			}
			s.mu.Unlock()
		}
		if !ok {
			a.logger.Warn("closing stale allocation",
				"allocation_id", rec.ID, "agent_id", rec.AgentID, "station_id", rec.StationID)
			if err := a.store.CompleteAllocation(rec.ID, time.Now().UTC()); err != nil {
				a.logger.Error("failed to close stale allocation", "allocation_id", rec.ID, "error", err)
			}
			continue
		}
		a.active[rec.AgentID] = &Allocation{
			ID:        rec.ID,
			AgentID:   rec.AgentID,
			StationID: rec.StationID,
			DockedAt:  rec.DockedAt,
			Purpose:   rec.Purpose,
		}
	}

	if n := len(a.active); n > 0 {
		a.logger.Info("restored active allocations", "allocations", n)
	}
}

func parseStationStatus(s string, logger *slog.Logger, stationID string) StationStatus {
	switch StationStatus(strings.ToLower(s)) {
	case "":
		return StatusOperational
	case StatusOperational, StatusMaintenance, StatusOutOfService, StatusEmergency, StatusOffline:
		return StationStatus(strings.ToLower(s))
	default:
		logger.Error("unknown station status, treating as offline", "station_id", stationID, "status", s)
		return StatusOffline
	}
}

// ParseCapability maps a request string to a known capability. Empty means
// no capability requirement.
func ParseCapability(s string) (Capability, error) {
	switch Capability(strings.ToLower(s)) {
	case "":
		return "", nil
	case CapabilityCharging:
		return CapabilityCharging, nil
	case CapabilityMaintenance:
		return CapabilityMaintenance, nil
	default:
		return "", ErrUnknownCapability
	}
}

// supports reports whether the station carries the capability flag.
// Identity fields are immutable, so no lock is needed.
func (s *Station) supports(cap Capability) bool {
	switch cap {
	case "":
		return true
	case CapabilityCharging:
		return s.Charging
	case CapabilityMaintenance:
		return s.Maintenance
	default:
		return false
	}
}

// view snapshots the station under its lock.
func (s *Station) view() StationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StationView{
		ID:          s.ID,
		Name:        s.Name,
		Lat:         s.Location.Lat,
		Lon:         s.Location.Lon,
		Capacity:    s.Capacity,
		Occupancy:   s.occupancy,
		Charging:    s.Charging,
		Maintenance: s.Maintenance,
		Status:      s.status,
	}
}

// ranked returns the stations supporting cap, ordered by ascending distance
// from near (id tiebreak), or by id alone when near is nil. Eligibility by
// occupancy is not checked here; Allocate rechecks it under each station's
// lock.
func (a *Allocator) ranked(cap Capability, near *geo.LatLon) []*Station {
	a.mu.RLock()
	candidates := make([]*Station, 0, len(a.stations))
	for _, s := range a.stations {
		if s.supports(cap) {
			candidates = append(candidates, s)
		}
	}
	a.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if near != nil {
			di := geo.DistanceMeters(near.Lat, near.Lon, candidates[i].Location.Lat, candidates[i].Location.Lon)
			dj := geo.DistanceMeters(near.Lat, near.Lon, candidates[j].Location.Lat, candidates[j].Location.Lon)
			if di != dj {
				return di < dj
			}
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

// Allocate docks the agent at the best eligible station. The occupancy
// check-and-increment runs as one atomic step per station, so concurrent
// calls can never push a station past capacity.
func (a *Allocator) Allocate(agentID string, cap Capability, near *geo.LatLon, purpose string) (*Allocation, error) {
	a.mu.Lock()
	if _, docked := a.active[agentID]; docked {
		a.mu.Unlock()
		a.metrics.IncAllocation("already_docked")
		return nil, ErrAgentAlreadyDocked
	}
	// Reserve the agent slot before touching stations so two concurrent
	// calls for the same agent cannot both proceed.
	a.active[agentID] = nil
	a.mu.Unlock()

	now := time.Now().UTC()
	var chosen *Station
	for _, s := range a.ranked(cap, near) {
		s.mu.Lock()
		if s.status == StatusOperational && s.occupancy < s.Capacity {
			s.occupancy++
			a.metrics.SetStationOccupancy(s.ID, s.occupancy)
			s.mu.Unlock()
			chosen = s
			break
		}
		s.mu.Unlock()
	}

	if chosen == nil {
		a.mu.Lock()
		delete(a.active, agentID)
		a.mu.Unlock()
		a.metrics.IncAllocation("no_station")
		return nil, ErrNoEligibleStation
	}

	alloc := &Allocation{
		ID:        ulid.Make().String(),
		AgentID:   agentID,
		StationID: chosen.ID,
		DockedAt:  now,
		Purpose:   purpose,
	}

	a.mu.Lock()
	a.active[agentID] = alloc
	a.mu.Unlock()

	a.persistAllocation(alloc)
	a.metrics.IncAllocation("success")
	a.logger.Info("agent docked",
		"agent_id", agentID, "station_id", chosen.ID, "allocation_id", alloc.ID, "purpose", purpose)

	cp := *alloc
	return &cp, nil
}

// Release undocks the agent, completing its active allocation and freeing
// the station slot. The occupancy decrement floors at zero.
func (a *Allocator) Release(agentID string) (*Allocation, error) {
	now := time.Now().UTC()

	a.mu.Lock()
	alloc, ok := a.active[agentID]
	if !ok || alloc == nil {
		a.mu.Unlock()
		return nil, ErrNotCurrentlyAllocated
	}
	alloc.UndockedAt = &now
	delete(a.active, agentID)
	a.mu.Unlock()

	a.mu.RLock()
	s := a.stations[alloc.StationID]
	a.mu.RUnlock()
	if s != nil {
		s.mu.Lock()
		if s.occupancy > 0 {
			s.occupancy--
		}
		a.metrics.SetStationOccupancy(s.ID, s.occupancy)
		s.mu.Unlock()
	}

	if a.store != nil {
		if err := a.store.CompleteAllocation(alloc.ID, now); err != nil {
			a.logger.Error("failed to persist undock",
				"allocation_id", alloc.ID, "agent_id", agentID, "error", err)
		}
	}
	a.logger.Info("agent undocked", "agent_id", agentID, "station_id", alloc.StationID, "allocation_id", alloc.ID)

	cp := *alloc
	return &cp, nil
}

// FindOptimal is the read-only variant of the allocation ranking: it
// returns the station Allocate would choose right now, without committing.
func (a *Allocator) FindOptimal(near *geo.LatLon, cap Capability) (StationView, error) {
	for _, s := range a.ranked(cap, near) {
		s.mu.Lock()
		eligible := s.status == StatusOperational && s.occupancy < s.Capacity
		s.mu.Unlock()
		if eligible {
			return s.view(), nil
		}
	}
	return StationView{}, ErrNoEligibleStation
}

// ActiveAllocation returns a copy of the agent's active allocation, or nil.
func (a *Allocator) ActiveAllocation(agentID string) *Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alloc := a.active[agentID]
	if alloc == nil {
		return nil
	}
	cp := *alloc
	return &cp
}

// Stations returns snapshots of all stations ordered by id.
func (a *Allocator) Stations() []StationView {
	a.mu.RLock()
	stations := make([]*Station, 0, len(a.stations))
	for _, s := range a.stations {
		stations = append(stations, s)
	}
	a.mu.RUnlock()

	out := make([]StationView, 0, len(stations))
	for _, s := range stations {
		out = append(out, s.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Station returns a snapshot of one station.
func (a *Allocator) Station(id string) (StationView, bool) {
	a.mu.RLock()
	s, ok := a.stations[id]
	a.mu.RUnlock()
	if !ok {
		return StationView{}, false
	}
	return s.view(), true
}

// SetStationStatus overrides a station's operational status, e.g. taking it
// down for maintenance. Existing occupants are unaffected; only new
// allocations see the change.
func (a *Allocator) SetStationStatus(id string, status StationStatus) bool {
	a.mu.RLock()
	s, ok := a.stations[id]
	a.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	a.logger.Info("station status changed", "station_id", id, "status", string(status))
	return true
}

// StationStats aggregates the station fleet for API responses.
type StationStats struct {
	Total             int `json:"total"`
	Operational       int `json:"operational"`
	TotalCapacity     int `json:"total_capacity"`
	TotalOccupancy    int `json:"total_occupancy"`
	ActiveAllocations int `json:"active_allocations"`
}

// Stats snapshots the station fleet: counts, summed capacity and occupancy,
// and the number of active allocations.
func (a *Allocator) Stats() StationStats {
	stats := StationStats{ActiveAllocations: a.ActiveCount()}
	for _, view := range a.Stations() {
		stats.Total++
		if view.Status == StatusOperational {
			stats.Operational++
		}
		stats.TotalCapacity += view.Capacity
		stats.TotalOccupancy += view.Occupancy
	}
	return stats
}

// ActiveCount returns the number of active allocations.
func (a *Allocator) ActiveCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, alloc := range a.active {
		if alloc != nil {
			n++
		}
	}
	return n
}

func (a *Allocator) persistAllocation(alloc *Allocation) {
	if a.store == nil {
		return
	}
	rec := &store.AllocationRecord{
		ID:        alloc.ID,
		AgentID:   alloc.AgentID,
		StationID: alloc.StationID,
		DockedAt:  alloc.DockedAt,
		Purpose:   alloc.Purpose,
	}
	if err := a.store.InsertAllocation(rec); err != nil {
		a.logger.Error("failed to persist allocation",
			"allocation_id", alloc.ID, "agent_id", alloc.AgentID, "error", err)
	}
}
