// Package violation evaluates position samples against the zone catalog and
// produces violation records for every zone rule the sample breaks.
package violation

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skyfence/skyfence/internal/metrics"
	"github.com/skyfence/skyfence/internal/notify"
	"github.com/skyfence/skyfence/internal/store"
	"github.com/skyfence/skyfence/internal/zone"
)

// Violation is the evaluation result for one breached zone.
type Violation struct {
	ID        string    `json:"id"`
	ZoneID    string    `json:"zone_id"`
	ZoneName  string    `json:"zone_name"`
	AgentID   string    `json:"agent_id"`
	Boundary  string    `json:"boundary"`
	Action    string    `json:"action,omitempty"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	AltitudeM *float64  `json:"altitude_m,omitempty"`
}

// Evaluator checks samples against the active zones. It is read-heavy on
// the catalog; the only writes are the per-zone violation counters and the
// persisted records, both of which happen after the containment decision.
type Evaluator struct {
	catalog    *zone.Catalog
	conditions *zone.ConditionEvaluator
	notifier   *notify.Manager
	store      store.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewEvaluator creates an evaluator. Notifier, store and metrics are all
// optional; evaluation itself never depends on them.
func NewEvaluator(catalog *zone.Catalog, conditions *zone.ConditionEvaluator, notifier *notify.Manager, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		catalog:    catalog,
		conditions: conditions,
		notifier:   notifier,
		store:      st,
		metrics:    m,
		logger:     logger.With("component", "violation.Evaluator"),
	}
}

// Evaluate checks one sample against every zone active at now and returns
// the violations in zone priority order (highest first, id tiebreak — the
// catalog's ordering). Zero applicable zones yields an empty slice, never an
// error.
func (e *Evaluator) Evaluate(sample *store.PositionSample, now time.Time) []Violation {
	start := time.Now()
	defer func() {
		e.metrics.ObserveEvaluation(time.Since(start))
	}()

	violations := make([]Violation, 0)
	for _, z := range e.catalog.ActiveZones(now) {
		if !e.zoneApplies(z, sample) {
			continue
		}

		inside := z.Contains(sample.Lat, sample.Lon, sample.AltitudeM)
		violated := false
		switch z.Boundary {
		case zone.BoundaryInclusion:
			violated = !inside
		case zone.BoundaryExclusion:
			violated = inside
		}
		if !violated {
			continue
		}

		v := Violation{
			ID:        ulid.Make().String(),
			ZoneID:    z.ID,
			ZoneName:  z.Name,
			AgentID:   sample.AgentID,
			Boundary:  string(z.Boundary),
			Action:    z.Action,
			Priority:  z.Priority,
			Timestamp: now,
			Lat:       sample.Lat,
			Lon:       sample.Lon,
			AltitudeM: sample.AltitudeM,
		}
		violations = append(violations, v)

		e.catalog.RecordViolation(z.ID, now)
		e.metrics.IncViolation(z.ID, z.Action)
		e.record(v)
		e.emit(v)

		e.logger.Warn("zone violation",
			"zone_id", z.ID,
			"agent_id", sample.AgentID,
			"boundary", v.Boundary,
			"action", v.Action,
			"lat", sample.Lat,
			"lon", sample.Lon,
		)
	}
	return violations
}

// zoneApplies runs the zone's optional telemetry condition. A runtime
// evaluation error counts the zone as applying: a broken condition must not
// switch off a safety rule.
func (e *Evaluator) zoneApplies(z *zone.Zone, sample *store.PositionSample) bool {
	if z.Condition == nil {
		return true
	}
	if e.conditions == nil {
		return true
	}
	ok, err := e.conditions.Evaluate(*z.Condition, sample)
	if err != nil {
		e.logger.Error("zone condition evaluation failed, treating zone as applicable",
			"zone_id", z.ID, "error", err)
		return true
	}
	return ok
}

// record persists the violation. Store errors are logged, never surfaced.
func (e *Evaluator) record(v Violation) {
	if e.store == nil {
		return
	}
	rec := &store.ViolationRecord{
		ID:        v.ID,
		ZoneID:    v.ZoneID,
		ZoneName:  v.ZoneName,
		AgentID:   v.AgentID,
		Boundary:  v.Boundary,
		Action:    v.Action,
		Timestamp: v.Timestamp,
		Lat:       v.Lat,
		Lon:       v.Lon,
		AltitudeM: v.AltitudeM,
	}
	if err := e.store.InsertViolation(rec); err != nil {
		e.logger.Error("failed to persist violation",
			"violation_id", v.ID, "zone_id", v.ZoneID, "error", err)
	}
}

// emit hands the violation to the notification sinks.
func (e *Evaluator) emit(v Violation) {
	if e.notifier == nil || !e.notifier.HasSinks() {
		return
	}
	e.metrics.IncNotification("zone_violation")
	e.notifier.Send(notify.Event{
		Type:      "zone_violation",
		ZoneID:    v.ZoneID,
		ZoneName:  v.ZoneName,
		AgentID:   v.AgentID,
		Boundary:  v.Boundary,
		Action:    v.Action,
		Lat:       v.Lat,
		Lon:       v.Lon,
		AltitudeM: v.AltitudeM,
		Message:   v.ZoneName + " (" + v.Boundary + ") violated by " + v.AgentID,
		Timestamp: v.Timestamp,
	})
}
