// Package zone defines geographic policy zones (geofences) and the catalog
// that answers which zones are active at a given instant. Zone definitions
// are immutable once compiled; the mutable parts (lifecycle status and
// violation counters) live in a separate per-zone state record so that
// definitions can be shared across goroutines without locking.
package zone

import (
	"fmt"
	"strings"
	"time"

	"github.com/skyfence/skyfence/internal/config"
	"github.com/skyfence/skyfence/internal/geo"
)

// Geometry is the shape kind of a zone.
type Geometry string

const (
	GeometryCircular  Geometry = "circular"
	GeometryPolygonal Geometry = "polygonal"
)

// Boundary determines the zone's containment semantics.
type Boundary string

const (
	// BoundaryInclusion means agents must stay inside the zone.
	BoundaryInclusion Boundary = "inclusion"
	// BoundaryExclusion means agents must stay outside the zone.
	BoundaryExclusion Boundary = "exclusion"
)

// Status is the zone lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	// StatusExpired is terminal; it is assigned lazily once the zone's
	// absolute window has passed.
	StatusExpired Status = "expired"
)

// RecurringWindow restricts a zone to a weekly schedule. The daily window is
// half-open: [From, Until).
type RecurringWindow struct {
	Weekdays map[time.Weekday]bool
	From     DayTime
	Until    DayTime
}

// DayTime is a time of day, minutes since midnight.
type DayTime int

// Contains reports whether t's local time of day falls in [from, until).
func (w *RecurringWindow) Contains(t time.Time) bool {
	if !w.Weekdays[t.Weekday()] {
		return false
	}
	minute := DayTime(t.Hour()*60 + t.Minute())
	return minute >= w.From && minute < w.Until
}

// Zone is a compiled, immutable policy zone definition.
type Zone struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Geometry Geometry `json:"geometry"`
	Boundary Boundary `json:"boundary"`

	// Circular geometry.
	Center       geo.LatLon `json:"center,omitempty"`
	RadiusMeters float64    `json:"radius_m,omitempty"`

	// Polygonal geometry.
	Ring []geo.LatLon `json:"ring,omitempty"`

	MinAltitudeM *float64 `json:"min_altitude_m,omitempty"`
	MaxAltitudeM *float64 `json:"max_altitude_m,omitempty"`

	ActiveFrom  *time.Time       `json:"active_from,omitempty"`
	ActiveUntil *time.Time       `json:"active_until,omitempty"`
	Recurring   *RecurringWindow `json:"-"`

	Priority int    `json:"priority"`
	Action   string `json:"action,omitempty"`

	// Condition is the optional compiled telemetry condition; nil when the
	// zone applies unconditionally.
	Condition *CompiledCondition `json:"-"`

	// initialStatus is the status the zone was defined with; the catalog's
	// state record owns the live status from then on.
	initialStatus Status
}

// Compile validates a ZoneConfig and builds the immutable Zone. Malformed
// definitions are rejected here so they never reach the evaluation hot path.
func Compile(cfg config.ZoneConfig, conditions *ConditionEvaluator) (*Zone, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("zone id is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("zone %s: name is required", cfg.ID)
	}

	z := &Zone{
		ID:           cfg.ID,
		Name:         cfg.Name,
		MinAltitudeM: cfg.MinAltitudeM,
		MaxAltitudeM: cfg.MaxAltitudeM,
		ActiveFrom:   cfg.ActiveFrom,
		ActiveUntil:  cfg.ActiveUntil,
		Priority:     cfg.Priority,
		Action:       cfg.Action,
	}

	switch Geometry(strings.ToLower(cfg.Geometry)) {
	case GeometryCircular:
		z.Geometry = GeometryCircular
		z.Center = geo.LatLon{Lat: cfg.CenterLat, Lon: cfg.CenterLon}
		z.RadiusMeters = cfg.RadiusMeters
		if !z.Center.Valid() {
			return nil, fmt.Errorf("zone %s: invalid center coordinates", cfg.ID)
		}
		if z.RadiusMeters <= 0 {
			return nil, fmt.Errorf("zone %s: radius must be positive, got %f", cfg.ID, z.RadiusMeters)
		}
	case GeometryPolygonal:
		z.Geometry = GeometryPolygonal
		if len(cfg.Vertices) < 3 {
			return nil, fmt.Errorf("zone %s: polygon needs at least 3 vertices, got %d", cfg.ID, len(cfg.Vertices))
		}
		for i, v := range cfg.Vertices {
			p := geo.LatLon{Lat: v.Lat, Lon: v.Lon}
			if !p.Valid() {
				return nil, fmt.Errorf("zone %s: vertex %d has invalid coordinates", cfg.ID, i)
			}
			z.Ring = append(z.Ring, p)
		}
	default:
		return nil, fmt.Errorf("zone %s: unknown geometry %q", cfg.ID, cfg.Geometry)
	}

	switch Boundary(strings.ToLower(cfg.Boundary)) {
	case BoundaryInclusion:
		z.Boundary = BoundaryInclusion
	case BoundaryExclusion:
		z.Boundary = BoundaryExclusion
	default:
		return nil, fmt.Errorf("zone %s: boundary must be inclusion or exclusion, got %q", cfg.ID, cfg.Boundary)
	}

	if z.MinAltitudeM != nil && z.MaxAltitudeM != nil && *z.MinAltitudeM > *z.MaxAltitudeM {
		return nil, fmt.Errorf("zone %s: min altitude %f above max %f", cfg.ID, *z.MinAltitudeM, *z.MaxAltitudeM)
	}
	if z.ActiveFrom != nil && z.ActiveUntil != nil && z.ActiveFrom.After(*z.ActiveUntil) {
		return nil, fmt.Errorf("zone %s: active_from after active_until", cfg.ID)
	}

	if len(cfg.Weekdays) > 0 || cfg.TimeFrom != "" || cfg.TimeUntil != "" {
		w, err := compileRecurring(cfg)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", cfg.ID, err)
		}
		z.Recurring = w
	}

	switch Status(strings.ToLower(cfg.Status)) {
	case "":
		z.initialStatus = StatusActive
	case StatusActive, StatusInactive, StatusSuspended, StatusExpired:
		z.initialStatus = Status(strings.ToLower(cfg.Status))
	default:
		return nil, fmt.Errorf("zone %s: unknown status %q", cfg.ID, cfg.Status)
	}

	if cfg.Condition != "" {
		if conditions == nil {
			return nil, fmt.Errorf("zone %s: condition set but no evaluator available", cfg.ID)
		}
		cond, err := conditions.Compile(cfg.Condition)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", cfg.ID, err)
		}
		z.Condition = &cond
	}

	return z, nil
}

func compileRecurring(cfg config.ZoneConfig) (*RecurringWindow, error) {
	if len(cfg.Weekdays) == 0 {
		return nil, fmt.Errorf("recurring window needs at least one weekday")
	}

	w := &RecurringWindow{Weekdays: make(map[time.Weekday]bool, len(cfg.Weekdays))}
	for _, name := range cfg.Weekdays {
		day, err := parseWeekday(name)
		if err != nil {
			return nil, err
		}
		w.Weekdays[day] = true
	}

	from, err := parseDayTime(cfg.TimeFrom)
	if err != nil {
		return nil, fmt.Errorf("time_from: %w", err)
	}
	until, err := parseDayTime(cfg.TimeUntil)
	if err != nil {
		return nil, fmt.Errorf("time_until: %w", err)
	}
	if from >= until {
		return nil, fmt.Errorf("time_from %q must be before time_until %q", cfg.TimeFrom, cfg.TimeUntil)
	}
	w.From = from
	w.Until = until
	return w, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	if d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// parseDayTime parses "HH:MM" into minutes since midnight.
func parseDayTime(s string) (DayTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time of day out of range: %q", s)
	}
	return DayTime(h*60 + m), nil
}

// InWindow reports whether the zone's temporal constraints admit now.
// Lifecycle status is the catalog's concern, not checked here.
func (z *Zone) InWindow(now time.Time) bool {
	if z.ActiveFrom != nil && now.Before(*z.ActiveFrom) {
		return false
	}
	if z.ActiveUntil != nil && now.After(*z.ActiveUntil) {
		return false
	}
	if z.Recurring != nil && !z.Recurring.Contains(now) {
		return false
	}
	return true
}

// PlanarContains tests 2D containment only. Degenerate geometry never
// contains: a zone whose geometry cannot be evaluated is treated as empty.
// For INCLUSION zones this fails closed — the position flags as a violation —
// which is the safety-conservative reading; for EXCLUSION zones it means a
// broken definition silently stops protecting its area.
func (z *Zone) PlanarContains(lat, lon float64) bool {
	switch z.Geometry {
	case GeometryCircular:
		return geo.PointInCircle(lat, lon, z.Center.Lat, z.Center.Lon, z.RadiusMeters)
	case GeometryPolygonal:
		return geo.PointInPolygon(lat, lon, z.Ring)
	default:
		return false
	}
}

// Contains combines planar containment with the altitude band. A sample with
// altitude outside the band does not satisfy the zone regardless of the
// planar result; a sample without altitude skips the altitude test.
func (z *Zone) Contains(lat, lon float64, altitudeM *float64) bool {
	if !z.PlanarContains(lat, lon) {
		return false
	}
	if altitudeM != nil {
		if z.MinAltitudeM != nil && *altitudeM < *z.MinAltitudeM {
			return false
		}
		if z.MaxAltitudeM != nil && *altitudeM > *z.MaxAltitudeM {
			return false
		}
	}
	return true
}

// DistanceFrom returns the distance from the point to the zone's reference
// geometry: center distance for circles, nearest-vertex distance for
// polygons. Used only for ranking and pre-filtering, not for containment.
func (z *Zone) DistanceFrom(lat, lon float64) float64 {
	switch z.Geometry {
	case GeometryCircular:
		return geo.DistanceMeters(lat, lon, z.Center.Lat, z.Center.Lon)
	case GeometryPolygonal:
		best := -1.0
		for _, v := range z.Ring {
			d := geo.DistanceMeters(lat, lon, v.Lat, v.Lon)
			if best < 0 || d < best {
				best = d
			}
		}
		return best
	default:
		return -1
	}
}
