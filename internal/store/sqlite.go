package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite-backed store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id          TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		lat         REAL NOT NULL,
		lon         REAL NOT NULL,
		altitude_m  REAL,
		timestamp   DATETIME NOT NULL,
		speed_mps   REAL,
		heading_deg REAL,
		battery_pct REAL,
		accuracy_m  REAL,
		source      TEXT NOT NULL DEFAULT 'gps'
	);

	CREATE TABLE IF NOT EXISTS violations (
		id          TEXT PRIMARY KEY,
		zone_id     TEXT NOT NULL,
		zone_name   TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		boundary    TEXT NOT NULL,
		action      TEXT,
		timestamp   DATETIME NOT NULL,
		lat         REAL NOT NULL,
		lon         REAL NOT NULL,
		altitude_m  REAL
	);

	CREATE TABLE IF NOT EXISTS zone_states (
		zone_id           TEXT PRIMARY KEY,
		status            TEXT NOT NULL,
		violation_count   INTEGER NOT NULL DEFAULT 0,
		last_violation_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS allocations (
		id          TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		station_id  TEXT NOT NULL,
		docked_at   DATETIME NOT NULL,
		undocked_at DATETIME,
		purpose     TEXT
	);

	CREATE TABLE IF NOT EXISTS pod_members (
		agent_id    TEXT PRIMARY KEY,
		admitted_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_agent ON samples(agent_id);
	CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON samples(timestamp);
	CREATE INDEX IF NOT EXISTS idx_violations_agent ON violations(agent_id);
	CREATE INDEX IF NOT EXISTS idx_violations_zone ON violations(zone_id);
	CREATE INDEX IF NOT EXISTS idx_violations_timestamp ON violations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_allocations_agent ON allocations(agent_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_active ON allocations(agent_id) WHERE undocked_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Samples ---

func (s *SQLiteStore) InsertSample(p *PositionSample) error {
	_, err := s.db.Exec(`INSERT INTO samples (id, agent_id, lat, lon, altitude_m, timestamp,
		speed_mps, heading_deg, battery_pct, accuracy_m, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, p.Lat, p.Lon, nullFloat(p.AltitudeM), p.Timestamp,
		nullFloat(p.SpeedMps), nullFloat(p.HeadingDeg), nullFloat(p.BatteryPct),
		nullFloat(p.AccuracyM), string(p.Source),
	)
	return err
}

func (s *SQLiteStore) ListSamples(filter SampleFilter) ([]*PositionSample, error) {
	var conds []string
	var args []interface{}

	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, *filter.Until)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT id, agent_id, lat, lon, altitude_m, timestamp, speed_mps,
		heading_deg, battery_pct, accuracy_m, source FROM samples` + where +
		" ORDER BY timestamp ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*PositionSample
	for rows.Next() {
		p := &PositionSample{}
		var alt, speed, heading, battery, accuracy sql.NullFloat64
		var source string
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Lat, &p.Lon, &alt, &p.Timestamp,
			&speed, &heading, &battery, &accuracy, &source); err != nil {
			return nil, err
		}
		p.AltitudeM = floatOrNil(alt)
		p.SpeedMps = floatOrNil(speed)
		p.HeadingDeg = floatOrNil(heading)
		p.BatteryPct = floatOrNil(battery)
		p.AccuracyM = floatOrNil(accuracy)
		p.Source = SampleSource(source)
		samples = append(samples, p)
	}
	return samples, rows.Err()
}

// --- Violations ---

func (s *SQLiteStore) InsertViolation(v *ViolationRecord) error {
	_, err := s.db.Exec(`INSERT INTO violations (id, zone_id, zone_name, agent_id, boundary,
		action, timestamp, lat, lon, altitude_m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ZoneID, v.ZoneName, v.AgentID, v.Boundary,
		nullStr(v.Action), v.Timestamp, v.Lat, v.Lon, nullFloat(v.AltitudeM),
	)
	return err
}

func (s *SQLiteStore) ListViolations(filter ViolationFilter) ([]*ViolationRecord, int, error) {
	var conds []string
	var args []interface{}

	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ZoneID != "" {
		conds = append(conds, "zone_id = ?")
		args = append(args, filter.ZoneID)
	}
	if filter.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM violations"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, zone_id, zone_name, agent_id, boundary, action, timestamp,
		lat, lon, altitude_m FROM violations` + where + " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var violations []*ViolationRecord
	for rows.Next() {
		v := &ViolationRecord{}
		var action sql.NullString
		var alt sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.ZoneID, &v.ZoneName, &v.AgentID, &v.Boundary,
			&action, &v.Timestamp, &v.Lat, &v.Lon, &alt); err != nil {
			return nil, 0, err
		}
		v.Action = action.String
		v.AltitudeM = floatOrNil(alt)
		violations = append(violations, v)
	}
	return violations, count, rows.Err()
}

// --- Zone state ---

func (s *SQLiteStore) UpsertZoneState(zs *ZoneState) error {
	_, err := s.db.Exec(`INSERT INTO zone_states (zone_id, status, violation_count, last_violation_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET
			status = excluded.status,
			violation_count = excluded.violation_count,
			last_violation_at = excluded.last_violation_at`,
		zs.ZoneID, zs.Status, zs.ViolationCount, zs.LastViolationAt,
	)
	return err
}

func (s *SQLiteStore) GetZoneState(zoneID string) (*ZoneState, error) {
	zs := &ZoneState{}
	var last sql.NullTime
	err := s.db.QueryRow(`SELECT zone_id, status, violation_count, last_violation_at
		FROM zone_states WHERE zone_id = ?`, zoneID).Scan(
		&zs.ZoneID, &zs.Status, &zs.ViolationCount, &last,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if last.Valid {
		zs.LastViolationAt = &last.Time
	}
	return zs, nil
}

func (s *SQLiteStore) ListZoneStates() ([]*ZoneState, error) {
	rows, err := s.db.Query(`SELECT zone_id, status, violation_count, last_violation_at FROM zone_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*ZoneState
	for rows.Next() {
		zs := &ZoneState{}
		var last sql.NullTime
		if err := rows.Scan(&zs.ZoneID, &zs.Status, &zs.ViolationCount, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			zs.LastViolationAt = &last.Time
		}
		states = append(states, zs)
	}
	return states, rows.Err()
}

// --- Allocations ---

func (s *SQLiteStore) InsertAllocation(a *AllocationRecord) error {
	_, err := s.db.Exec(`INSERT INTO allocations (id, agent_id, station_id, docked_at, undocked_at, purpose)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.AgentID, a.StationID, a.DockedAt, a.UndockedAt, nullStr(a.Purpose),
	)
	return err
}

func (s *SQLiteStore) CompleteAllocation(id string, undockedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE allocations SET undocked_at = ? WHERE id = ?`, undockedAt, id)
	return err
}

func (s *SQLiteStore) GetActiveAllocation(agentID string) (*AllocationRecord, error) {
	a := &AllocationRecord{}
	var undocked sql.NullTime
	var purpose sql.NullString
	err := s.db.QueryRow(`SELECT id, agent_id, station_id, docked_at, undocked_at, purpose
		FROM allocations WHERE agent_id = ? AND undocked_at IS NULL`, agentID).Scan(
		&a.ID, &a.AgentID, &a.StationID, &a.DockedAt, &undocked, &purpose,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if undocked.Valid {
		a.UndockedAt = &undocked.Time
	}
	a.Purpose = purpose.String
	return a, nil
}

func (s *SQLiteStore) ListActiveAllocations() ([]*AllocationRecord, error) {
	rows, err := s.db.Query(`SELECT id, agent_id, station_id, docked_at, undocked_at, purpose
		FROM allocations WHERE undocked_at IS NULL ORDER BY docked_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []*AllocationRecord
	for rows.Next() {
		a := &AllocationRecord{}
		var undocked sql.NullTime
		var purpose sql.NullString
		if err := rows.Scan(&a.ID, &a.AgentID, &a.StationID, &a.DockedAt, &undocked, &purpose); err != nil {
			return nil, err
		}
		if undocked.Valid {
			a.UndockedAt = &undocked.Time
		}
		a.Purpose = purpose.String
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func (s *SQLiteStore) ListAllocations(agentID string, limit int) ([]*AllocationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, agent_id, station_id, docked_at, undocked_at, purpose FROM allocations`
	var args []interface{}
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY docked_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []*AllocationRecord
	for rows.Next() {
		a := &AllocationRecord{}
		var undocked sql.NullTime
		var purpose sql.NullString
		if err := rows.Scan(&a.ID, &a.AgentID, &a.StationID, &a.DockedAt, &undocked, &purpose); err != nil {
			return nil, err
		}
		if undocked.Valid {
			a.UndockedAt = &undocked.Time
		}
		a.Purpose = purpose.String
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// --- Pod membership ---

func (s *SQLiteStore) UpsertPodMember(m *PodMember) error {
	_, err := s.db.Exec(`INSERT INTO pod_members (agent_id, admitted_at) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET admitted_at = excluded.admitted_at`,
		m.AgentID, m.AdmittedAt,
	)
	return err
}

func (s *SQLiteStore) DeletePodMember(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM pod_members WHERE agent_id = ?`, agentID)
	return err
}

func (s *SQLiteStore) ListPodMembers() ([]*PodMember, error) {
	rows, err := s.db.Query(`SELECT agent_id, admitted_at FROM pod_members ORDER BY admitted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*PodMember
	for rows.Next() {
		m := &PodMember{}
		if err := rows.Scan(&m.AgentID, &m.AdmittedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- Maintenance ---

func (s *SQLiteStore) PruneSamplesOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM samples WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Aggregates ---

func (s *SQLiteStore) GetSystemStats() (*SystemStats, error) {
	stats := &SystemStats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM samples", &stats.TotalSamples},
		{"SELECT COUNT(DISTINCT agent_id) FROM samples", &stats.TrackedAgents},
		{"SELECT COUNT(*) FROM violations", &stats.TotalViolations},
		{"SELECT COUNT(*) FROM allocations WHERE undocked_at IS NULL", &stats.ActiveAllocations},
		{"SELECT COUNT(*) FROM allocations", &stats.TotalAllocations},
		{"SELECT COUNT(*) FROM pod_members", &stats.PodOccupancy},
	}

	for _, q := range queries {
		if err := s.db.QueryRow(q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// --- Helpers ---

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func floatOrNil(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
