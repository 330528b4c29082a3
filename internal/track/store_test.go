package track

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skyfence/skyfence/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sample(agentID string, lat, lon float64, at time.Time) *store.PositionSample {
	return &store.PositionSample{
		AgentID:   agentID,
		Lat:       lat,
		Lon:       lon,
		Timestamp: at,
		Source:    store.SourceGPS,
	}
}

func mustAppend(t *testing.T, ts *TrackStore, s *store.PositionSample) *store.PositionSample {
	t.Helper()
	stored, err := ts.Append(s)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return stored
}

func TestTrackStore_Append_AssignsIDAndTimestamp(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())

	stored := mustAppend(t, ts, &store.PositionSample{AgentID: "drone-1", Lat: 1, Lon: 2})
	if stored.ID == "" {
		t.Error("Append did not assign an id")
	}
	if stored.Timestamp.IsZero() {
		t.Error("Append did not default the timestamp")
	}
}

func TestTrackStore_Append_Validation(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())

	if _, err := ts.Append(&store.PositionSample{Lat: 1, Lon: 2}); err == nil {
		t.Error("Append accepted an empty agent id")
	}
	if _, err := ts.Append(&store.PositionSample{AgentID: "d", Lat: 91, Lon: 0}); err == nil {
		t.Error("Append accepted an out-of-range latitude")
	}
}

func TestTrackStore_CurrentAdvancesByTimestamp(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	mustAppend(t, ts, sample("drone-1", 1, 1, base))
	mustAppend(t, ts, sample("drone-1", 2, 2, base.Add(time.Minute)))

	cur := ts.Current("drone-1")
	if cur == nil || cur.Lat != 2 {
		t.Fatalf("Current = %+v, want the newer sample", cur)
	}

	// An older sample lands in history but never regresses "current".
	mustAppend(t, ts, sample("drone-1", 3, 3, base.Add(-time.Hour)))
	cur = ts.Current("drone-1")
	if cur == nil || cur.Lat != 2 {
		t.Errorf("Current regressed to %+v after an out-of-order append", cur)
	}
	if got := len(ts.History("drone-1", time.Time{}, time.Time{})); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestTrackStore_History_OrderAndWindow(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// Append out of order on purpose.
	mustAppend(t, ts, sample("drone-1", 2, 2, base.Add(2*time.Minute)))
	mustAppend(t, ts, sample("drone-1", 0, 0, base))
	mustAppend(t, ts, sample("drone-1", 1, 1, base.Add(time.Minute)))

	full := ts.History("drone-1", time.Time{}, time.Time{})
	if len(full) != 3 {
		t.Fatalf("full history length = %d, want 3", len(full))
	}
	for i := 1; i < len(full); i++ {
		if full[i].Timestamp.Before(full[i-1].Timestamp) {
			t.Fatalf("history not ascending: %v before %v", full[i].Timestamp, full[i-1].Timestamp)
		}
	}

	windowed := ts.History("drone-1", base.Add(30*time.Second), base.Add(90*time.Second))
	if len(windowed) != 1 || windowed[0].Lat != 1 {
		t.Errorf("windowed history = %d samples, want just the middle one", len(windowed))
	}

	if got := ts.History("unknown", time.Time{}, time.Time{}); len(got) != 0 {
		t.Errorf("history for unknown agent = %d samples, want 0", len(got))
	}
}

func TestTrackStore_Near(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// Two agents near Times Square, one in London.
	mustAppend(t, ts, sample("drone-a", 40.7580, -73.9855, base))
	mustAppend(t, ts, sample("drone-b", 40.7590, -73.9850, base))
	mustAppend(t, ts, sample("drone-c", 51.5074, -0.1278, base))

	got := ts.Near(40.7580, -73.9855, 1000, time.Time{})
	if len(got) != 2 {
		t.Fatalf("Near returned %d samples, want 2", len(got))
	}
	if got[0].AgentID != "drone-a" || got[1].AgentID != "drone-b" {
		t.Errorf("Near order = [%s %s], want agents sorted by id", got[0].AgentID, got[1].AgentID)
	}

	// Freshness cut: only samples at or after since count.
	mustAppend(t, ts, sample("drone-b", 40.7581, -73.9854, base.Add(time.Hour)))
	fresh := ts.Near(40.7580, -73.9855, 1000, base.Add(30*time.Minute))
	if len(fresh) != 1 || fresh[0].AgentID != "drone-b" {
		t.Errorf("Near with since = %d samples, want only drone-b", len(fresh))
	}
}

func TestTrackStore_Near_UsesMostRecentPerAgent(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// The agent used to be near the query point but has since moved away.
	mustAppend(t, ts, sample("drone-a", 40.7580, -73.9855, base))
	mustAppend(t, ts, sample("drone-a", 51.5074, -0.1278, base.Add(time.Minute)))

	if got := ts.Near(40.7580, -73.9855, 1000, time.Time{}); len(got) != 0 {
		t.Errorf("Near matched a stale position: %d samples", len(got))
	}
}

func TestTrackStore_CurrentPositions(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	mustAppend(t, ts, sample("drone-b", 2, 2, base))
	mustAppend(t, ts, sample("drone-a", 1, 1, base))
	mustAppend(t, ts, sample("drone-a", 3, 3, base.Add(time.Minute)))

	got := ts.CurrentPositions()
	if len(got) != 2 {
		t.Fatalf("CurrentPositions = %d rows, want 2", len(got))
	}
	if got[0].AgentID != "drone-a" || got[0].Lat != 3 {
		t.Errorf("row 0 = %+v, want drone-a at latest position", got[0])
	}
	if got[1].AgentID != "drone-b" {
		t.Errorf("row 1 agent = %s, want drone-b", got[1].AgentID)
	}

	// Mutating the snapshot must not affect internal state.
	got[0].Lat = 99
	if cur := ts.Current("drone-a"); cur.Lat != 3 {
		t.Error("snapshot mutation leaked into the store")
	}
}

func TestTrackStore_ConcurrentAppends(t *testing.T) {
	ts := NewTrackStore(nil, testLogger())
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	const perAgent = 100
	agents := []string{"drone-a", "drone-b", "drone-c"}

	var wg sync.WaitGroup
	for _, id := range agents {
		for i := 0; i < perAgent; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				s := sample(id, float64(i%90), float64(i%180), base.Add(time.Duration(i)*time.Second))
				if _, err := ts.Append(s); err != nil {
					t.Errorf("Append failed: %v", err)
				}
			}(id, i)
		}
	}
	wg.Wait()

	if ts.AgentCount() != len(agents) {
		t.Errorf("AgentCount = %d, want %d", ts.AgentCount(), len(agents))
	}
	for _, id := range agents {
		h := ts.History(id, time.Time{}, time.Time{})
		if len(h) != perAgent {
			t.Errorf("history(%s) = %d samples, want %d", id, len(h), perAgent)
		}
		cur := ts.Current(id)
		if cur == nil || !cur.Timestamp.Equal(base.Add(time.Duration(perAgent-1)*time.Second)) {
			t.Errorf("current(%s) = %+v, want the newest timestamp", id, cur)
		}
	}
}
