package violation

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skyfence/skyfence/internal/config"
	"github.com/skyfence/skyfence/internal/store"
	"github.com/skyfence/skyfence/internal/zone"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// violationStore records inserted violations; the rest of store.Store is
// stubbed out.
type violationStore struct {
	mu         sync.Mutex
	violations []*store.ViolationRecord
}

func (m *violationStore) InsertViolation(v *store.ViolationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.violations = append(m.violations, &cp)
	return nil
}

func (m *violationStore) inserted() []*store.ViolationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.ViolationRecord, len(m.violations))
	copy(out, m.violations)
	return out
}

func (m *violationStore) Initialize() error { return nil }
func (m *violationStore) Close() error      { return nil }

func (m *violationStore) InsertSample(*store.PositionSample) error { return nil }
func (m *violationStore) ListSamples(store.SampleFilter) ([]*store.PositionSample, error) {
	return nil, nil
}
func (m *violationStore) ListViolations(store.ViolationFilter) ([]*store.ViolationRecord, int, error) {
	return nil, 0, nil
}
func (m *violationStore) UpsertZoneState(*store.ZoneState) error { return nil }
func (m *violationStore) GetZoneState(string) (*store.ZoneState, error) {
	return nil, nil
}
func (m *violationStore) ListZoneStates() ([]*store.ZoneState, error) { return nil, nil }
func (m *violationStore) InsertAllocation(*store.AllocationRecord) error {
	return nil
}
func (m *violationStore) CompleteAllocation(string, time.Time) error { return nil }
func (m *violationStore) GetActiveAllocation(string) (*store.AllocationRecord, error) {
	return nil, nil
}
func (m *violationStore) ListActiveAllocations() ([]*store.AllocationRecord, error) {
	return nil, nil
}
func (m *violationStore) ListAllocations(string, int) ([]*store.AllocationRecord, error) {
	return nil, nil
}
func (m *violationStore) UpsertPodMember(*store.PodMember) error { return nil }
func (m *violationStore) DeletePodMember(string) error           { return nil }
func (m *violationStore) ListPodMembers() ([]*store.PodMember, error) {
	return nil, nil
}
func (m *violationStore) PruneSamplesOlderThan(time.Time) (int64, error) { return 0, nil }
func (m *violationStore) GetSystemStats() (*store.SystemStats, error) {
	return &store.SystemStats{}, nil
}

func floatPtr(f float64) *float64 { return &f }

// Hospital exclusion circle around Times Square plus a unit-square park
// inclusion polygon.
func hospitalZone() config.ZoneConfig {
	return config.ZoneConfig{
		ID:           "z-hospital",
		Name:         "Hospital No-Fly",
		Geometry:     "circular",
		Boundary:     "exclusion",
		CenterLat:    40.7580,
		CenterLon:    -73.9855,
		RadiusMeters: 500,
		Priority:     10,
		Action:       "return_home",
	}
}

func parkZone() config.ZoneConfig {
	return config.ZoneConfig{
		ID:       "z-park",
		Name:     "Park Operations Area",
		Geometry: "polygonal",
		Boundary: "inclusion",
		Vertices: []config.VertexConfig{
			{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0},
		},
		Priority: 5,
		Action:   "alert",
	}
}

func newTestEvaluator(t *testing.T, st store.Store, zones ...config.ZoneConfig) (*Evaluator, *zone.Catalog) {
	t.Helper()
	catalog := zone.NewCatalog(nil, st, testLogger())
	if n := catalog.Load(zones); n != len(zones) {
		t.Fatalf("catalog loaded %d zones, want %d", n, len(zones))
	}
	return NewEvaluator(catalog, nil, nil, st, nil, testLogger()), catalog
}

func gpsSample(agentID string, lat, lon float64) *store.PositionSample {
	return &store.PositionSample{
		AgentID:   agentID,
		Lat:       lat,
		Lon:       lon,
		Timestamp: time.Now().UTC(),
		Source:    store.SourceGPS,
	}
}

func TestEvaluate_ExclusionZone(t *testing.T) {
	ev, _ := newTestEvaluator(t, nil, hospitalZone())
	now := time.Now()

	// Inside the exclusion circle: violation.
	got := ev.Evaluate(gpsSample("drone-1", 40.7580, -73.9855), now)
	if len(got) != 1 {
		t.Fatalf("Evaluate inside exclusion = %d violations, want 1", len(got))
	}
	v := got[0]
	if v.ZoneID != "z-hospital" || v.AgentID != "drone-1" || v.Action != "return_home" {
		t.Errorf("violation = %+v", v)
	}
	if v.ID == "" {
		t.Error("violation id not assigned")
	}

	// Outside: clean.
	if got := ev.Evaluate(gpsSample("drone-1", 40.80, -73.9855), now); len(got) != 0 {
		t.Errorf("Evaluate outside exclusion = %d violations, want 0", len(got))
	}
}

func TestEvaluate_InclusionZone(t *testing.T) {
	ev, _ := newTestEvaluator(t, nil, parkZone())
	now := time.Now()

	// Inside the inclusion polygon: clean.
	if got := ev.Evaluate(gpsSample("drone-1", 0.5, 0.5), now); len(got) != 0 {
		t.Errorf("Evaluate inside inclusion = %d violations, want 0", len(got))
	}

	// Outside: violation.
	got := ev.Evaluate(gpsSample("drone-1", 5, 5), now)
	if len(got) != 1 || got[0].ZoneID != "z-park" {
		t.Fatalf("Evaluate outside inclusion = %+v, want one z-park violation", got)
	}
}

func TestEvaluate_PriorityOrdering(t *testing.T) {
	// A sample at Times Square is inside the exclusion circle and outside
	// the park polygon, so it violates both zones.
	ev, _ := newTestEvaluator(t, nil, parkZone(), hospitalZone())

	got := ev.Evaluate(gpsSample("drone-1", 40.7580, -73.9855), time.Now())
	if len(got) != 2 {
		t.Fatalf("Evaluate = %d violations, want 2", len(got))
	}
	if got[0].ZoneID != "z-hospital" || got[1].ZoneID != "z-park" {
		t.Errorf("violation order = [%s %s], want priority desc", got[0].ZoneID, got[1].ZoneID)
	}
}

func TestEvaluate_AltitudeBand(t *testing.T) {
	cfg := parkZone()
	cfg.MinAltitudeM = floatPtr(30)
	cfg.MaxAltitudeM = floatPtr(120)
	ev, _ := newTestEvaluator(t, nil, cfg)
	now := time.Now()

	// Planar-inside but above the band: does not satisfy the inclusion
	// zone, so it is a violation.
	s := gpsSample("drone-1", 0.5, 0.5)
	s.AltitudeM = floatPtr(200)
	if got := ev.Evaluate(s, now); len(got) != 1 {
		t.Errorf("above band = %d violations, want 1", len(got))
	}

	// Inside the band: clean.
	s.AltitudeM = floatPtr(75)
	if got := ev.Evaluate(s, now); len(got) != 0 {
		t.Errorf("inside band = %d violations, want 0", len(got))
	}

	// No altitude reported: planar result stands.
	s.AltitudeM = nil
	if got := ev.Evaluate(s, now); len(got) != 0 {
		t.Errorf("no altitude = %d violations, want 0", len(got))
	}
}

func TestEvaluate_NoZones(t *testing.T) {
	ev, _ := newTestEvaluator(t, nil)

	got := ev.Evaluate(gpsSample("drone-1", 0, 0), time.Now())
	if got == nil {
		t.Fatal("Evaluate returned nil, want empty slice")
	}
	if len(got) != 0 {
		t.Errorf("Evaluate with no zones = %d violations, want 0", len(got))
	}
}

func TestEvaluate_UpdatesCatalogCounters(t *testing.T) {
	ev, catalog := newTestEvaluator(t, nil, hospitalZone())
	now := time.Now()

	ev.Evaluate(gpsSample("drone-1", 40.7580, -73.9855), now)
	ev.Evaluate(gpsSample("drone-2", 40.7580, -73.9855), now)

	snap, ok := catalog.StateOf("z-hospital")
	if !ok {
		t.Fatal("no state for z-hospital")
	}
	if snap.ViolationCount != 2 {
		t.Errorf("ViolationCount = %d, want 2", snap.ViolationCount)
	}
	if snap.LastViolationAt == nil {
		t.Error("LastViolationAt not set")
	}
}

func TestEvaluate_PersistsRecords(t *testing.T) {
	st := &violationStore{}
	ev, _ := newTestEvaluator(t, st, hospitalZone())

	ev.Evaluate(gpsSample("drone-1", 40.7580, -73.9855), time.Now())

	recs := st.inserted()
	if len(recs) != 1 {
		t.Fatalf("persisted %d records, want 1", len(recs))
	}
	if recs[0].ZoneID != "z-hospital" || recs[0].AgentID != "drone-1" {
		t.Errorf("persisted record = %+v", recs[0])
	}
}

func TestEvaluate_ConditionGatesZone(t *testing.T) {
	conditions, err := zone.NewConditionEvaluator(testLogger())
	if err != nil {
		t.Fatal(err)
	}

	cfg := hospitalZone()
	cfg.Condition = `sample.speed_mps > 15.0`

	catalog := zone.NewCatalog(conditions, nil, testLogger())
	if n := catalog.Load([]config.ZoneConfig{cfg}); n != 1 {
		t.Fatalf("catalog loaded %d zones, want 1", n)
	}
	ev := NewEvaluator(catalog, conditions, nil, nil, nil, testLogger())
	now := time.Now()

	slow := gpsSample("drone-1", 40.7580, -73.9855)
	slow.SpeedMps = floatPtr(5)
	if got := ev.Evaluate(slow, now); len(got) != 0 {
		t.Errorf("condition not matching: %d violations, want 0", len(got))
	}

	fast := gpsSample("drone-1", 40.7580, -73.9855)
	fast.SpeedMps = floatPtr(20)
	if got := ev.Evaluate(fast, now); len(got) != 1 {
		t.Errorf("condition matching: %d violations, want 1", len(got))
	}
}
