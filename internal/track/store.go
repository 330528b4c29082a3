// Package track keeps the in-memory position history and current-position
// index for every agent that has ever reported, backed by persistent storage
// through the store. Samples are immutable once appended.
package track

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skyfence/skyfence/internal/geo"
	"github.com/skyfence/skyfence/internal/store"
)

// maxHistoryPerAgent bounds per-agent in-memory history. Older samples stay
// queryable through the store; memory keeps the hot tail.
const maxHistoryPerAgent = 10000

// agentTrack holds one agent's samples. History is kept sorted by timestamp
// ascending; out-of-order arrivals are inserted in place. Fields are accessed
// only while holding mu.
type agentTrack struct {
	mu      sync.Mutex
	history []*store.PositionSample
	current *store.PositionSample
}

// TrackStore indexes position samples per agent. The current-position
// pointer advances only for samples at or after the current timestamp, so
// out-of-order updates land in history without regressing "current".
type TrackStore struct {
	mu     sync.RWMutex
	agents map[string]*agentTrack
	store  store.Store
	logger *slog.Logger
}

// NewTrackStore creates a track store. The persistence store is optional;
// when present every appended sample is written through.
func NewTrackStore(st store.Store, logger *slog.Logger) *TrackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackStore{
		agents: make(map[string]*agentTrack),
		store:  st,
		logger: logger.With("component", "track.TrackStore"),
	}
}

// Append records a sample in the agent's history and advances the agent's
// current position when the sample is not older than it. An empty id gets a
// ULID and a zero timestamp defaults to now. Returns the stored copy.
func (ts *TrackStore) Append(s *store.PositionSample) (*store.PositionSample, error) {
	if s.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if p := (geo.LatLon{Lat: s.Lat, Lon: s.Lon}); !p.Valid() {
		return nil, fmt.Errorf("invalid coordinates lat=%f lon=%f", s.Lat, s.Lon)
	}

	cp := *s
	if cp.ID == "" {
		cp.ID = ulid.Make().String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	at := ts.trackFor(cp.AgentID)

	at.mu.Lock()
	at.insertLocked(&cp)
	if at.current == nil || !cp.Timestamp.Before(at.current.Timestamp) {
		at.current = &cp
	}
	at.mu.Unlock()

	if ts.store != nil {
		if err := ts.store.InsertSample(&cp); err != nil {
			ts.logger.Error("failed to persist position sample",
				"sample_id", cp.ID, "agent_id", cp.AgentID, "error", err)
		}
	}

	out := cp
	return &out, nil
}

// trackFor returns the agent's track record, creating it on first report.
func (ts *TrackStore) trackFor(agentID string) *agentTrack {
	ts.mu.RLock()
	at, ok := ts.agents[agentID]
	ts.mu.RUnlock()
	if ok {
		return at
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if at, ok := ts.agents[agentID]; ok {
		return at
	}
	at = &agentTrack{}
	ts.agents[agentID] = at
	return at
}

// insertLocked places the sample into history keeping timestamp order, then
// trims the oldest entries past the per-agent cap. Caller holds at.mu.
func (at *agentTrack) insertLocked(s *store.PositionSample) {
	n := len(at.history)
	if n == 0 || !s.Timestamp.Before(at.history[n-1].Timestamp) {
		at.history = append(at.history, s)
	} else {
		i := sort.Search(n, func(i int) bool {
			return at.history[i].Timestamp.After(s.Timestamp)
		})
		at.history = append(at.history, nil)
		copy(at.history[i+1:], at.history[i:])
		at.history[i] = s
	}
	if len(at.history) > maxHistoryPerAgent {
		at.history = at.history[len(at.history)-maxHistoryPerAgent:]
	}
}

// Current returns the agent's current position, or nil if it never reported.
func (ts *TrackStore) Current(agentID string) *store.PositionSample {
	ts.mu.RLock()
	at, ok := ts.agents[agentID]
	ts.mu.RUnlock()
	if !ok {
		return nil
	}

	at.mu.Lock()
	defer at.mu.Unlock()
	if at.current == nil {
		return nil
	}
	cp := *at.current
	return &cp
}

// History returns the agent's samples in [from, to], timestamp ascending.
// A zero bound leaves that side open; both zero returns the full history.
func (ts *TrackStore) History(agentID string, from, to time.Time) []*store.PositionSample {
	ts.mu.RLock()
	at, ok := ts.agents[agentID]
	ts.mu.RUnlock()
	if !ok {
		return nil
	}

	at.mu.Lock()
	defer at.mu.Unlock()

	out := make([]*store.PositionSample, 0, len(at.history))
	for _, s := range at.history {
		if !from.IsZero() && s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && s.Timestamp.After(to) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Near returns the most recent sample per agent, at or after since, whose
// position lies within radiusMeters of the query point. Results are ordered
// by agent id for determinism.
func (ts *TrackStore) Near(lat, lon, radiusMeters float64, since time.Time) []*store.PositionSample {
	ts.mu.RLock()
	ids := make([]string, 0, len(ts.agents))
	tracks := make([]*agentTrack, 0, len(ts.agents))
	for id, at := range ts.agents {
		ids = append(ids, id)
		tracks = append(tracks, at)
	}
	ts.mu.RUnlock()

	type entry struct {
		id     string
		sample *store.PositionSample
	}
	matches := make([]entry, 0, len(ids))
	for i, at := range tracks {
		at.mu.Lock()
		cur := at.current
		var cp *store.PositionSample
		if cur != nil {
			c := *cur
			cp = &c
		}
		at.mu.Unlock()

		if cp == nil {
			continue
		}
		if !since.IsZero() && cp.Timestamp.Before(since) {
			continue
		}
		if geo.DistanceMeters(lat, lon, cp.Lat, cp.Lon) > radiusMeters {
			continue
		}
		matches = append(matches, entry{id: ids[i], sample: cp})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].id < matches[j].id })
	out := make([]*store.PositionSample, len(matches))
	for i, m := range matches {
		out[i] = m.sample
	}
	return out
}

// CurrentPositions returns one sample per agent that has ever reported,
// ordered by agent id.
func (ts *TrackStore) CurrentPositions() []*store.PositionSample {
	ts.mu.RLock()
	tracks := make([]*agentTrack, 0, len(ts.agents))
	for _, at := range ts.agents {
		tracks = append(tracks, at)
	}
	ts.mu.RUnlock()

	out := make([]*store.PositionSample, 0, len(tracks))
	for _, at := range tracks {
		at.mu.Lock()
		if at.current != nil {
			cp := *at.current
			out = append(out, &cp)
		}
		at.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AgentCount returns the number of agents that have ever reported.
func (ts *TrackStore) AgentCount() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.agents)
}
