package dock

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skyfence/skyfence/internal/config"
	"github.com/skyfence/skyfence/internal/geo"
	"github.com/skyfence/skyfence/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func station(id string, lat, lon float64, capacity int) config.StationConfig {
	return config.StationConfig{
		ID:       id,
		Name:     "Station " + id,
		Lat:      lat,
		Lon:      lon,
		Capacity: capacity,
		Charging: true,
	}
}

func newTestAllocator(t *testing.T, configs ...config.StationConfig) *Allocator {
	t.Helper()
	return NewAllocator(configs, nil, nil, testLogger())
}

func TestNewAllocator_SkipsInvalid(t *testing.T) {
	a := newTestAllocator(t,
		station("st-01", 40.75, -73.98, 2),
		station("", 40.75, -73.98, 2),      // missing id
		station("st-02", 91, 0, 2),         // bad latitude
		station("st-03", 40.75, -73.98, 0), // zero capacity
		station("st-01", 40.76, -73.99, 2), // duplicate id
	)
	if got := len(a.Stations()); got != 1 {
		t.Errorf("loaded %d stations, want 1", got)
	}
}

func TestAllocate_Basic(t *testing.T) {
	a := newTestAllocator(t, station("st-01", 40.75, -73.98, 2))

	alloc, err := a.Allocate("drone-1", "", nil, "charging")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if alloc.StationID != "st-01" || alloc.AgentID != "drone-1" {
		t.Errorf("allocation = %+v", alloc)
	}
	if alloc.ID == "" {
		t.Error("allocation id not assigned")
	}
	if alloc.UndockedAt != nil {
		t.Error("fresh allocation has an undock time")
	}

	view, _ := a.Station("st-01")
	if view.Occupancy != 1 {
		t.Errorf("occupancy = %d, want 1", view.Occupancy)
	}
}

func TestAllocate_AgentAlreadyDocked(t *testing.T) {
	a := newTestAllocator(t, station("st-01", 40.75, -73.98, 2))

	if _, err := a.Allocate("drone-1", "", nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate("drone-1", "", nil, ""); !errors.Is(err, ErrAgentAlreadyDocked) {
		t.Errorf("second Allocate error = %v, want ErrAgentAlreadyDocked", err)
	}
}

func TestAllocate_CapacityExhausted(t *testing.T) {
	a := newTestAllocator(t, station("st-01", 40.75, -73.98, 1))

	if _, err := a.Allocate("drone-1", "", nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate("drone-2", "", nil, ""); !errors.Is(err, ErrNoEligibleStation) {
		t.Errorf("Allocate on full station error = %v, want ErrNoEligibleStation", err)
	}
}

func TestAllocate_CapabilityFilter(t *testing.T) {
	charging := station("st-chg", 40.75, -73.98, 2)
	maint := station("st-mnt", 40.75, -73.98, 2)
	maint.Charging = false
	maint.Maintenance = true

	a := newTestAllocator(t, charging, maint)

	alloc, err := a.Allocate("drone-1", CapabilityMaintenance, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if alloc.StationID != "st-mnt" {
		t.Errorf("allocated %s, want the maintenance station", alloc.StationID)
	}

	// No station supports a capability nothing carries once st-mnt fills up.
	if _, err := a.Allocate("drone-2", CapabilityMaintenance, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate("drone-3", CapabilityMaintenance, nil, ""); !errors.Is(err, ErrNoEligibleStation) {
		t.Errorf("error = %v, want ErrNoEligibleStation", err)
	}
}

func TestAllocate_RanksByDistance(t *testing.T) {
	a := newTestAllocator(t,
		station("st-far", 40.80, -73.98, 2),
		station("st-near", 40.7581, -73.9856, 2),
	)

	near := &geo.LatLon{Lat: 40.7580, Lon: -73.9855}
	alloc, err := a.Allocate("drone-1", "", near, "")
	if err != nil {
		t.Fatal(err)
	}
	if alloc.StationID != "st-near" {
		t.Errorf("allocated %s, want the nearest station", alloc.StationID)
	}
}

func TestAllocate_NoReferenceRanksByID(t *testing.T) {
	a := newTestAllocator(t,
		station("st-b", 40.80, -73.98, 2),
		station("st-a", 40.75, -73.98, 2),
	)

	alloc, err := a.Allocate("drone-1", "", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if alloc.StationID != "st-a" {
		t.Errorf("allocated %s, want the lowest id", alloc.StationID)
	}
}

func TestAllocate_SkipsNonOperational(t *testing.T) {
	a := newTestAllocator(t,
		station("st-a", 40.75, -73.98, 2),
		station("st-b", 40.75, -73.98, 2),
	)
	a.SetStationStatus("st-a", StatusMaintenance)

	alloc, err := a.Allocate("drone-1", "", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if alloc.StationID != "st-b" {
		t.Errorf("allocated %s, want the operational station", alloc.StationID)
	}
}

func TestRelease(t *testing.T) {
	a := newTestAllocator(t, station("st-01", 40.75, -73.98, 1))

	if _, err := a.Allocate("drone-1", "", nil, ""); err != nil {
		t.Fatal(err)
	}

	done, err := a.Release("drone-1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if done.UndockedAt == nil {
		t.Error("released allocation has no undock time")
	}

	view, _ := a.Station("st-01")
	if view.Occupancy != 0 {
		t.Errorf("occupancy after release = %d, want 0", view.Occupancy)
	}

	// The slot is free again.
	if _, err := a.Allocate("drone-2", "", nil, ""); err != nil {
		t.Errorf("Allocate after release failed: %v", err)
	}
}

func TestRelease_NotAllocated(t *testing.T) {
	a := newTestAllocator(t, station("st-01", 40.75, -73.98, 1))

	if _, err := a.Release("drone-1"); !errors.Is(err, ErrNotCurrentlyAllocated) {
		t.Errorf("Release error = %v, want ErrNotCurrentlyAllocated", err)
	}
}

func TestFindOptimal_DoesNotCommit(t *testing.T) {
	a := newTestAllocator(t, station("st-01", 40.75, -73.98, 1))

	view, err := a.FindOptimal(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if view.ID != "st-01" {
		t.Errorf("FindOptimal = %s, want st-01", view.ID)
	}

	after, _ := a.Station("st-01")
	if after.Occupancy != 0 {
		t.Errorf("FindOptimal changed occupancy to %d", after.Occupancy)
	}

	a.SetStationStatus("st-01", StatusOffline)
	if _, err := a.FindOptimal(nil, ""); !errors.Is(err, ErrNoEligibleStation) {
		t.Errorf("FindOptimal error = %v, want ErrNoEligibleStation", err)
	}
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		in      string
		want    Capability
		wantErr bool
	}{
		{"", "", false},
		{"charging", CapabilityCharging, false},
		{"CHARGING", CapabilityCharging, false},
		{"maintenance", CapabilityMaintenance, false},
		{"refueling", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCapability(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCapability(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCapability(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// N agents racing for C slots: exactly min(N, C) allocations succeed and
// occupancy never exceeds capacity.
func TestAllocate_ConcurrentCapacity(t *testing.T) {
	const capacity = 3
	const agents = 20

	a := newTestAllocator(t, station("st-01", 40.75, -73.98, capacity))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Allocate(fmt.Sprintf("drone-%d", i), "", nil, "")
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, ErrNoEligibleStation):
				// expected for the losers
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != capacity {
		t.Errorf("%d allocations succeeded, want %d", succeeded, capacity)
	}
	view, _ := a.Station("st-01")
	if view.Occupancy != capacity {
		t.Errorf("occupancy = %d, want %d", view.Occupancy, capacity)
	}
	if a.ActiveCount() != capacity {
		t.Errorf("ActiveCount = %d, want %d", a.ActiveCount(), capacity)
	}
}

// allocStore persists allocation records in memory; the rest of store.Store
// is stubbed out.
type allocStore struct {
	mu      sync.Mutex
	records []*store.AllocationRecord
}

func (m *allocStore) InsertAllocation(a *store.AllocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.records = append(m.records, &cp)
	return nil
}

func (m *allocStore) CompleteAllocation(id string, undockedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			at := undockedAt
			rec.UndockedAt = &at
		}
	}
	return nil
}

func (m *allocStore) GetActiveAllocation(agentID string) (*store.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.AgentID == agentID && rec.UndockedAt == nil {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *allocStore) ListActiveAllocations() ([]*store.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AllocationRecord
	for _, rec := range m.records {
		if rec.UndockedAt == nil {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *allocStore) ListAllocations(string, int) ([]*store.AllocationRecord, error) {
	return nil, nil
}

// activeFor counts open records for one agent.
func (m *allocStore) activeFor(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.AgentID == agentID && rec.UndockedAt == nil {
			n++
		}
	}
	return n
}

func (m *allocStore) Initialize() error { return nil }
func (m *allocStore) Close() error      { return nil }

func (m *allocStore) InsertSample(*store.PositionSample) error { return nil }
func (m *allocStore) ListSamples(store.SampleFilter) ([]*store.PositionSample, error) {
	return nil, nil
}
func (m *allocStore) InsertViolation(*store.ViolationRecord) error { return nil }
func (m *allocStore) ListViolations(store.ViolationFilter) ([]*store.ViolationRecord, int, error) {
	return nil, 0, nil
}
func (m *allocStore) UpsertZoneState(*store.ZoneState) error         { return nil }
func (m *allocStore) GetZoneState(string) (*store.ZoneState, error)  { return nil, nil }
func (m *allocStore) ListZoneStates() ([]*store.ZoneState, error)    { return nil, nil }
func (m *allocStore) UpsertPodMember(*store.PodMember) error         { return nil }
func (m *allocStore) DeletePodMember(string) error                   { return nil }
func (m *allocStore) ListPodMembers() ([]*store.PodMember, error)    { return nil, nil }
func (m *allocStore) PruneSamplesOlderThan(time.Time) (int64, error) { return 0, nil }
func (m *allocStore) GetSystemStats() (*store.SystemStats, error)    { return nil, nil }

// A still-docked agent stays docked across a restart: same occupancy, same
// allocation, and still exactly one open record.
func TestRestore_SurvivesRestart(t *testing.T) {
	st := &allocStore{}
	cfg := []config.StationConfig{station("st-01", 40.75, -73.98, 2)}

	a := NewAllocator(cfg, st, nil, testLogger())
	if _, err := a.Allocate("drone-1", "", nil, "charging"); err != nil {
		t.Fatal(err)
	}

	b := NewAllocator(cfg, st, nil, testLogger())

	if _, err := b.Allocate("drone-1", "", nil, ""); !errors.Is(err, ErrAgentAlreadyDocked) {
		t.Errorf("Allocate after restart error = %v, want ErrAgentAlreadyDocked", err)
	}
	if got := st.activeFor("drone-1"); got != 1 {
		t.Errorf("open records for drone-1 = %d, want 1", got)
	}

	view, _ := b.Station("st-01")
	if view.Occupancy != 1 {
		t.Errorf("occupancy after restart = %d, want 1", view.Occupancy)
	}

	alloc := b.ActiveAllocation("drone-1")
	if alloc == nil || alloc.Purpose != "charging" {
		t.Fatalf("restored allocation = %+v", alloc)
	}

	if _, err := b.Release("drone-1"); err != nil {
		t.Errorf("Release of restored allocation failed: %v", err)
	}
	if got := st.activeFor("drone-1"); got != 0 {
		t.Errorf("open records after release = %d, want 0", got)
	}
}

func TestRestore_ClosesStaleRecords(t *testing.T) {
	st := &allocStore{}
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// One record for a removed station, two for a station that shrank to
	// capacity 1.
	_ = st.InsertAllocation(&store.AllocationRecord{
		ID: "al-1", AgentID: "drone-1", StationID: "st-gone", DockedAt: base})
	_ = st.InsertAllocation(&store.AllocationRecord{
		ID: "al-2", AgentID: "drone-2", StationID: "st-01", DockedAt: base.Add(time.Minute)})
	_ = st.InsertAllocation(&store.AllocationRecord{
		ID: "al-3", AgentID: "drone-3", StationID: "st-01", DockedAt: base.Add(2 * time.Minute)})

	a := NewAllocator([]config.StationConfig{station("st-01", 40.75, -73.98, 1)}, st, nil, testLogger())

	if a.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", a.ActiveCount())
	}
	if a.ActiveAllocation("drone-2") == nil {
		t.Error("drone-2 allocation not restored")
	}
	if st.activeFor("drone-1") != 0 || st.activeFor("drone-3") != 0 {
		t.Error("stale records were not closed")
	}

	view, _ := a.Station("st-01")
	if view.Occupancy != 1 {
		t.Errorf("occupancy = %d, want 1", view.Occupancy)
	}
}

func TestStats(t *testing.T) {
	a := newTestAllocator(t,
		station("st-01", 40.75, -73.98, 2),
		station("st-02", 40.76, -73.98, 3),
	)
	a.SetStationStatus("st-02", StatusMaintenance)
	if _, err := a.Allocate("drone-1", "", nil, ""); err != nil {
		t.Fatal(err)
	}

	stats := a.Stats()
	if stats.Total != 2 || stats.Operational != 1 {
		t.Errorf("Total/Operational = %d/%d, want 2/1", stats.Total, stats.Operational)
	}
	if stats.TotalCapacity != 5 || stats.TotalOccupancy != 1 {
		t.Errorf("capacity/occupancy = %d/%d, want 5/1", stats.TotalCapacity, stats.TotalOccupancy)
	}
	if stats.ActiveAllocations != 1 {
		t.Errorf("ActiveAllocations = %d, want 1", stats.ActiveAllocations)
	}
}

func TestAllocateRelease_ConcurrentChurn(t *testing.T) {
	a := newTestAllocator(t, station("st-01", 40.75, -73.98, 2), station("st-02", 40.76, -73.98, 2))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("drone-%d", i)
			for j := 0; j < 20; j++ {
				if _, err := a.Allocate(agent, "", nil, ""); err != nil {
					continue
				}
				if _, err := a.Release(agent); err != nil {
					t.Errorf("Release after successful Allocate failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	for _, view := range a.Stations() {
		if view.Occupancy != 0 {
			t.Errorf("station %s occupancy = %d after churn, want 0", view.ID, view.Occupancy)
		}
	}
	if a.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after churn, want 0", a.ActiveCount())
	}
}
