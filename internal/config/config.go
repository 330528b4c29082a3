package config

import (
	"time"
)

// Config is the top-level SkyFence configuration. The zone and station
// catalogs live in the same file so that one reload refreshes everything.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Storage  StorageConfig   `yaml:"storage"`
	Notify   NotifyConfig    `yaml:"notify"`
	Zones    []ZoneConfig    `yaml:"zones"`
	Stations []StationConfig `yaml:"stations"`
	Pod      PodConfig       `yaml:"pod"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver    string        `yaml:"driver"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// NotifyConfig configures the violation event sinks. Delivery is
// fire-and-forget; a sink being down never fails an evaluation.
type NotifyConfig struct {
	Webhook WebhookNotifyConfig `yaml:"webhook"`
	Kafka   KafkaNotifyConfig   `yaml:"kafka"`
}

type WebhookNotifyConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type KafkaNotifyConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ZoneConfig is the on-disk form of a policy zone. It is validated and
// compiled into a zone.Zone by the catalog at load time; malformed entries
// are rejected there and never reach evaluation.
type ZoneConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Geometry string `yaml:"geometry"` // circular, polygonal
	Boundary string `yaml:"boundary"` // inclusion, exclusion

	// Circular geometry.
	CenterLat    float64 `yaml:"center_lat"`
	CenterLon    float64 `yaml:"center_lon"`
	RadiusMeters float64 `yaml:"radius_m"`

	// Polygonal geometry.
	Vertices []VertexConfig `yaml:"vertices"`

	// Optional altitude band, meters. Absent bound = unconstrained.
	MinAltitudeM *float64 `yaml:"min_altitude_m"`
	MaxAltitudeM *float64 `yaml:"max_altitude_m"`

	// Optional absolute activation window.
	ActiveFrom  *time.Time `yaml:"active_from"`
	ActiveUntil *time.Time `yaml:"active_until"`

	// Optional recurring window: weekday names plus daily start/end ("HH:MM").
	Weekdays  []string `yaml:"weekdays"`
	TimeFrom  string   `yaml:"time_from"`
	TimeUntil string   `yaml:"time_until"`

	Status   string `yaml:"status"`   // active, inactive, suspended, expired
	Priority int    `yaml:"priority"` // higher evaluates first
	Action   string `yaml:"action"`   // reported on violations, e.g. alert, return_home, land

	// Optional CEL condition over sample telemetry. When set, the zone only
	// applies to samples matching the expression.
	Condition string `yaml:"condition"`
}

type VertexConfig struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// StationConfig is the on-disk form of a docking station.
type StationConfig struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Lat         float64 `yaml:"lat"`
	Lon         float64 `yaml:"lon"`
	Capacity    int     `yaml:"capacity"`
	Charging    bool    `yaml:"charging"`
	Maintenance bool    `yaml:"maintenance"`
	Status      string  `yaml:"status"` // operational, maintenance, out_of_service, emergency, offline
}

// PodConfig configures the holding pod.
type PodConfig struct {
	Capacity int `yaml:"capacity"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7420,
			LogLevel: "info",
			CORS:     false,
		},
		Storage: StorageConfig{
			Driver:    "sqlite",
			Path:      "./skyfence.db",
			Retention: 30 * 24 * time.Hour,
		},
		Pod: PodConfig{
			Capacity: 8,
		},
	}
}
