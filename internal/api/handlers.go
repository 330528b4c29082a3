package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/skyfence/skyfence/internal/dock"
	"github.com/skyfence/skyfence/internal/geo"
	"github.com/skyfence/skyfence/internal/store"
	"github.com/skyfence/skyfence/internal/violation"
	"github.com/skyfence/skyfence/internal/zone"
)

// --- Positions ---

type ingestRequest struct {
	AgentID    string     `json:"agent_id"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	AltitudeM  *float64   `json:"altitude_m,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	SpeedMps   *float64   `json:"speed_mps,omitempty"`
	HeadingDeg *float64   `json:"heading_deg,omitempty"`
	BatteryPct *float64   `json:"battery_pct,omitempty"`
	AccuracyM  *float64   `json:"accuracy_m,omitempty"`
	Source     string     `json:"source,omitempty"`
}

type ingestResult struct {
	Sample     *store.PositionSample `json:"sample,omitempty"`
	Violations []violation.Violation `json:"violations,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func (s *Server) handleIngestPosition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// A JSON array is a batch; anything else is a single sample.
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []ingestRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}

		results := make([]ingestResult, 0, len(reqs))
		accepted := 0
		for _, req := range reqs {
			res := s.ingestOne(req)
			if res.Error == "" {
				accepted++
			}
			results = append(results, res)
		}
		writeJSON(w, map[string]interface{}{
			"results":  results,
			"accepted": accepted,
			"rejected": len(results) - accepted,
		})
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	res := s.ingestOne(req)
	if res.Error != "" {
		writeError(w, http.StatusBadRequest, res.Error)
		return
	}
	writeJSON(w, map[string]interface{}{
		"sample":     res.Sample,
		"violations": res.Violations,
	})
}

// ingestOne appends one sample, evaluates it against the active zones, and
// pushes the resulting events to the WebSocket feed. Rejections are reported
// in the result, never as a partial write.
func (s *Server) ingestOne(req ingestRequest) ingestResult {
	sample := &store.PositionSample{
		AgentID:    req.AgentID,
		Lat:        req.Lat,
		Lon:        req.Lon,
		AltitudeM:  req.AltitudeM,
		SpeedMps:   req.SpeedMps,
		HeadingDeg: req.HeadingDeg,
		BatteryPct: req.BatteryPct,
		AccuracyM:  req.AccuracyM,
		Source:     store.SampleSource(req.Source),
	}
	if req.Timestamp != nil {
		sample.Timestamp = req.Timestamp.UTC()
	}
	if sample.Source == "" {
		sample.Source = store.SourceGPS
	}

	stored, err := s.tracks.Append(sample)
	if err != nil {
		return ingestResult{Error: err.Error()}
	}
	s.metrics.IncSample(string(stored.Source))

	violations := s.evaluator.Evaluate(stored, time.Now().UTC())

	s.wsHub.Broadcast("position", stored)
	for _, v := range violations {
		s.wsHub.Broadcast("violation", v)
	}

	return ingestResult{Sample: stored, Violations: violations}
}

func (s *Server) handleCurrentPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"positions": s.tracks.CurrentPositions(),
	})
}

func (s *Server) handlePositionsNear(w http.ResponseWriter, r *http.Request) {
	lat, latErr := queryFloat(r, "lat")
	lon, lonErr := queryFloat(r, "lon")
	radius, radErr := queryFloat(r, "radius_m")
	if latErr != nil || lonErr != nil || radErr != nil {
		writeError(w, http.StatusBadRequest, "lat, lon and radius_m are required")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	writeJSON(w, map[string]interface{}{
		"positions": s.tracks.Near(lat, lon, radius, since),
	})
}

func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var from, to time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}

	writeJSON(w, map[string]interface{}{
		"agent_id": id,
		"samples":  s.tracks.History(id, from, to),
	})
}

// --- Zones ---

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	type zoneEntry struct {
		*zone.Zone
		State zone.StateSnapshot `json:"state"`
	}

	zones := s.catalog.All()
	entries := make([]zoneEntry, 0, len(zones))
	for _, z := range zones {
		snap, _ := s.catalog.StateOf(z.ID)
		entries = append(entries, zoneEntry{Zone: z, State: snap})
	}

	writeJSON(w, map[string]interface{}{
		"zones": entries,
		"total": len(entries),
	})
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	z, ok := s.catalog.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "zone not found")
		return
	}
	snap, _ := s.catalog.StateOf(id)
	writeJSON(w, map[string]interface{}{
		"zone":  z,
		"state": snap,
	})
}

func (s *Server) handleReloadZones(w http.ResponseWriter, r *http.Request) {
	if err := s.cfgLoader.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload: "+err.Error())
		return
	}
	n := s.catalog.Load(s.cfgLoader.Get().Zones)
	writeJSON(w, map[string]interface{}{
		"status": "reloaded",
		"zones":  n,
	})
}

func (s *Server) handleSetZoneStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status := zone.Status(req.Status)
	switch status {
	case zone.StatusActive, zone.StatusInactive, zone.StatusSuspended, zone.StatusExpired:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	if !s.catalog.SetStatus(id, status) {
		writeError(w, http.StatusNotFound, "zone not found")
		return
	}
	writeJSON(w, map[string]string{"status": string(status)})
}

func (s *Server) handleZoneStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.catalog.Stats(time.Now()))
}

// --- Stations and docking ---

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations := s.allocator.Stations()
	writeJSON(w, map[string]interface{}{
		"stations": stations,
		"total":    len(stations),
	})
}

func (s *Server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, ok := s.allocator.Station(id)
	if !ok {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleSetStationStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status := dock.StationStatus(req.Status)
	switch status {
	case dock.StatusOperational, dock.StatusMaintenance, dock.StatusOutOfService, dock.StatusEmergency, dock.StatusOffline:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	if !s.allocator.SetStationStatus(id, status) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	writeJSON(w, map[string]string{"status": string(status)})
}

func (s *Server) handleStationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.allocator.Stats())
}

func (s *Server) handleOptimalStation(w http.ResponseWriter, r *http.Request) {
	cap, err := dock.ParseCapability(r.URL.Query().Get("capability"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown capability")
		return
	}

	var near *geo.LatLon
	lat, latErr := queryFloat(r, "lat")
	lon, lonErr := queryFloat(r, "lon")
	if latErr == nil && lonErr == nil {
		near = &geo.LatLon{Lat: lat, Lon: lon}
	}

	view, err := s.allocator.FindOptimal(near, cap)
	if errors.Is(err, dock.ErrNoEligibleStation) {
		writeError(w, http.StatusNotFound, "no eligible station")
		return
	}
	writeJSON(w, view)
}

type dockRequest struct {
	AgentID    string   `json:"agent_id"`
	Capability string   `json:"capability,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	Purpose    string   `json:"purpose,omitempty"`
}

func (s *Server) handleDock(w http.ResponseWriter, r *http.Request) {
	var req dockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	if held, reason := s.stops.IsHeld(req.AgentID); held {
		writeError(w, http.StatusLocked, reason)
		return
	}

	cap, err := dock.ParseCapability(req.Capability)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown capability")
		return
	}

	var near *geo.LatLon
	if req.Lat != nil && req.Lon != nil {
		near = &geo.LatLon{Lat: *req.Lat, Lon: *req.Lon}
	}

	alloc, err := s.allocator.Allocate(req.AgentID, cap, near, req.Purpose)
	switch {
	case errors.Is(err, dock.ErrAgentAlreadyDocked):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, dock.ErrNoEligibleStation):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.wsHub.Broadcast("dock", alloc)
	writeJSON(w, alloc)
}

func (s *Server) handleUndock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	alloc, err := s.allocator.Release(req.AgentID)
	if errors.Is(err, dock.ErrNotCurrentlyAllocated) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.wsHub.Broadcast("undock", alloc)
	writeJSON(w, alloc)
}

func (s *Server) handleAgentAllocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	alloc := s.allocator.ActiveAllocation(id)
	if alloc == nil {
		writeError(w, http.StatusNotFound, "agent has no active allocation")
		return
	}
	writeJSON(w, alloc)
}

func (s *Server) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := s.store.ListAllocations(
		r.URL.Query().Get("agent_id"),
		queryInt(r, "limit", 50),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"allocations": allocations})
}

// --- Holding pod ---

func (s *Server) handlePodStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"capacity":  s.holding.Capacity(),
		"occupancy": s.holding.Occupancy(),
		"available": s.holding.Available(),
		"full":      s.holding.IsFull(),
		"members":   s.holding.Members(),
	})
}

func (s *Server) handlePodAdmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	if held, reason := s.stops.IsHeld(req.AgentID); held {
		writeError(w, http.StatusLocked, reason)
		return
	}

	if !s.holding.Admit(req.AgentID) {
		writeError(w, http.StatusConflict, "pod full or agent already a member")
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":    "admitted",
		"occupancy": s.holding.Occupancy(),
	})
}

func (s *Server) handlePodRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !s.holding.Release(req.AgentID) {
		writeError(w, http.StatusNotFound, "agent is not a pod member")
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":    "released",
		"occupancy": s.holding.Occupancy(),
	})
}

// --- Ground stop ---

func (s *Server) handleGroundStopStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stops.Status())
}

func (s *Server) handleGroundStopGlobal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	s.stops.TriggerGlobal(req.Reason, "api")
	s.wsHub.Broadcast("groundstop", s.stops.Status())
	writeJSON(w, map[string]string{"status": "held"})
}

func (s *Server) handleGroundStopGlobalReset(w http.ResponseWriter, r *http.Request) {
	s.stops.ResetGlobal()
	writeJSON(w, map[string]string{"status": "lifted"})
}

func (s *Server) handleGroundStopAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	s.stops.TriggerAgent(id, req.Reason, "api")
	writeJSON(w, map[string]string{"status": "held", "agent_id": id})
}

func (s *Server) handleGroundStopAgentReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.stops.ResetAgent(id)
	writeJSON(w, map[string]string{"status": "lifted", "agent_id": id})
}

// --- Violations ---

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	filter := store.ViolationFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		ZoneID:  r.URL.Query().Get("zone_id"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = &t
		}
	}

	violations, total, err := s.store.ListViolations(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"violations": violations,
		"total":      total,
	})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSystemStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"store":      stats,
		"zones":      s.catalog.Stats(time.Now()),
		"agents":     s.tracks.AgentCount(),
		"stations":   s.allocator.Stats(),
		"pod":        s.holding.Occupancy(),
		"groundstop": s.stops.Status(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func queryFloat(r *http.Request, key string) (float64, error) {
	return strconv.ParseFloat(r.URL.Query().Get(key), 64)
}
