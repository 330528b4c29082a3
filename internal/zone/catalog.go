package zone

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skyfence/skyfence/internal/config"
	"github.com/skyfence/skyfence/internal/store"
)

// zoneState is the mutable per-zone record: live lifecycle status plus the
// violation counters. Each state has its own lock so concurrent updates to
// different zones never contend.
type zoneState struct {
	mu              sync.Mutex
	status          Status
	violationCount  int64
	lastViolationAt *time.Time
}

// StateSnapshot is a copied view of a zone's mutable state.
type StateSnapshot struct {
	Status          Status     `json:"status"`
	ViolationCount  int64      `json:"violation_count"`
	LastViolationAt *time.Time `json:"last_violation_at,omitempty"`
}

// CatalogStats aggregates catalog-wide counts for the dashboard.
type CatalogStats struct {
	Total           int            `json:"total"`
	ActiveNow       int            `json:"active_now"`
	ByStatus        map[string]int `json:"by_status"`
	TotalViolations int64          `json:"total_violations"`
}

// Catalog holds the compiled zone set and answers activation queries.
// The zone set is replaced atomically on Load, so it can be hot-reloaded
// while evaluations are in flight. Violation counters survive reloads for
// zones that keep their id.
type Catalog struct {
	mu     sync.RWMutex
	zones  []*Zone // ordered: priority desc, id asc
	byID   map[string]*Zone
	states map[string]*zoneState

	conditions *ConditionEvaluator
	store      store.Store
	logger     *slog.Logger

	// watch holds the fsnotify plumbing. It has its own lock so reloads
	// triggered from the watch loop can call Load without deadlocking.
	watch watchState
}

// NewCatalog creates an empty catalog. The store is optional; when present,
// zone state (expiry, counters) is persisted and restored across restarts.
func NewCatalog(conditions *ConditionEvaluator, st store.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		byID:       make(map[string]*Zone),
		states:     make(map[string]*zoneState),
		conditions: conditions,
		store:      st,
		logger:     logger.With("component", "zone.Catalog"),
	}
}

// Load compiles the given zone configs and atomically replaces the active
// set. Definitions that fail validation are logged and skipped rather than
// failing the entire load, so one bad zone cannot take the catalog down.
// Returns the number of zones loaded.
func (c *Catalog) Load(configs []config.ZoneConfig) int {
	zones := make([]*Zone, 0, len(configs))
	byID := make(map[string]*Zone, len(configs))

	for i, cfg := range configs {
		z, err := Compile(cfg, c.conditions)
		if err != nil {
			c.logger.Error("skipping invalid zone definition",
				"index", i,
				"zone_id", cfg.ID,
				"error", err,
			)
			continue
		}
		if _, dup := byID[z.ID]; dup {
			c.logger.Error("skipping duplicate zone id", "zone_id", z.ID)
			continue
		}
		zones = append(zones, z)
		byID[z.ID] = z
	}

	sort.Slice(zones, func(i, j int) bool {
		if zones[i].Priority != zones[j].Priority {
			return zones[i].Priority > zones[j].Priority
		}
		return zones[i].ID < zones[j].ID
	})

	c.mu.Lock()
	oldStates := c.states
	states := make(map[string]*zoneState, len(zones))
	for _, z := range zones {
		if st, ok := oldStates[z.ID]; ok {
			// Keep counters across reloads for zones that survive.
			states[z.ID] = st
			continue
		}
		states[z.ID] = c.restoreState(z)
	}
	c.zones = zones
	c.byID = byID
	c.states = states
	c.mu.Unlock()

	c.logger.Info("zone catalog loaded", "configured", len(configs), "loaded", len(zones))
	return len(zones)
}

// restoreState builds the initial state record for a new zone, preferring
// the persisted row over the definition's declared status.
func (c *Catalog) restoreState(z *Zone) *zoneState {
	st := &zoneState{status: z.initialStatus}
	if c.store == nil {
		return st
	}
	persisted, err := c.store.GetZoneState(z.ID)
	if err != nil {
		c.logger.Warn("failed to restore zone state", "zone_id", z.ID, "error", err)
		return st
	}
	if persisted != nil {
		st.status = Status(persisted.Status)
		st.violationCount = persisted.ViolationCount
		st.lastViolationAt = persisted.LastViolationAt
	}
	return st
}

// ActiveZones returns the zones active at now, ordered by descending
// priority with id as the tiebreak. A zone whose absolute window has passed
// transitions lazily to EXPIRED here, and the transition is persisted.
func (c *Catalog) ActiveZones(now time.Time) []*Zone {
	c.mu.RLock()
	zones := c.zones
	states := c.states
	c.mu.RUnlock()

	active := make([]*Zone, 0, len(zones))
	for _, z := range zones {
		st := states[z.ID]
		if st == nil {
			continue
		}

		st.mu.Lock()
		status := st.status
		if status == StatusActive && z.ActiveUntil != nil && now.After(*z.ActiveUntil) {
			st.status = StatusExpired
			status = StatusExpired
			st.mu.Unlock()
			c.persistState(z.ID, st)
			c.logger.Info("zone expired", "zone_id", z.ID, "active_until", z.ActiveUntil)
		} else {
			st.mu.Unlock()
		}

		if status != StatusActive {
			continue
		}
		if !z.InWindow(now) {
			continue
		}
		active = append(active, z)
	}
	return active
}

// ZonesNear is a pre-filter over the active set: circular zones within
// radius+buffer of the point, polygonal zones always included. Callers
// needing exact containment must still test each zone.
func (c *Catalog) ZonesNear(now time.Time, lat, lon, bufferMeters float64) []*Zone {
	active := c.ActiveZones(now)
	near := make([]*Zone, 0, len(active))
	for _, z := range active {
		if z.Geometry == GeometryCircular {
			if z.DistanceFrom(lat, lon) > z.RadiusMeters+bufferMeters {
				continue
			}
		}
		near = append(near, z)
	}
	return near
}

// Get returns the zone definition for id.
func (c *Catalog) Get(id string) (*Zone, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	z, ok := c.byID[id]
	return z, ok
}

// All returns a copy of the full zone list in priority order.
func (c *Catalog) All() []*Zone {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Zone, len(c.zones))
	copy(out, c.zones)
	return out
}

// Count returns the number of loaded zones.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.zones)
}

// RecordViolation bumps the zone's violation counter and last-violation
// timestamp as one atomic step, then persists the updated state.
func (c *Catalog) RecordViolation(zoneID string, at time.Time) {
	c.mu.RLock()
	st := c.states[zoneID]
	c.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	st.violationCount++
	t := at
	st.lastViolationAt = &t
	st.mu.Unlock()

	c.persistState(zoneID, st)
}

// persistState writes the zone state through the store. Errors are logged;
// persistence never blocks or fails an evaluation.
func (c *Catalog) persistState(zoneID string, st *zoneState) {
	if c.store == nil {
		return
	}

	st.mu.Lock()
	rec := &store.ZoneState{
		ZoneID:          zoneID,
		Status:          string(st.status),
		ViolationCount:  st.violationCount,
		LastViolationAt: st.lastViolationAt,
	}
	st.mu.Unlock()

	if err := c.store.UpsertZoneState(rec); err != nil {
		c.logger.Error("failed to persist zone state", "zone_id", zoneID, "error", err)
	}
}

// StateOf returns a snapshot of the zone's mutable state.
func (c *Catalog) StateOf(zoneID string) (StateSnapshot, bool) {
	c.mu.RLock()
	st := c.states[zoneID]
	c.mu.RUnlock()
	if st == nil {
		return StateSnapshot{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	snap := StateSnapshot{
		Status:         st.status,
		ViolationCount: st.violationCount,
	}
	if st.lastViolationAt != nil {
		t := *st.lastViolationAt
		snap.LastViolationAt = &t
	}
	return snap, true
}

// SetStatus overrides a zone's lifecycle status (e.g. suspending a zone
// from the API) and persists the change.
func (c *Catalog) SetStatus(zoneID string, status Status) bool {
	c.mu.RLock()
	st := c.states[zoneID]
	c.mu.RUnlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	st.status = status
	st.mu.Unlock()

	c.persistState(zoneID, st)
	c.logger.Info("zone status changed", "zone_id", zoneID, "status", string(status))
	return true
}

// Stats aggregates catalog-wide counts at now.
func (c *Catalog) Stats(now time.Time) CatalogStats {
	activeNow := len(c.ActiveZones(now))

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CatalogStats{
		Total:     len(c.zones),
		ActiveNow: activeNow,
		ByStatus:  make(map[string]int),
	}
	for _, st := range c.states {
		st.mu.Lock()
		stats.ByStatus[string(st.status)]++
		stats.TotalViolations += st.violationCount
		st.mu.Unlock()
	}
	return stats
}
