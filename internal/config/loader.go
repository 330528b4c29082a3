package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads and holds the active configuration. Get is safe to call
// concurrently with Reload; callers receive a pointer to an immutable
// snapshot that is swapped atomically under the lock.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader creates a Loader pre-populated with defaults so the service can
// start with no config file at all.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads the YAML config at path, substitutes ${ENV_VAR} references, and
// replaces the active config. Unset fields keep their defaults.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()

	return nil
}

// Reload re-reads the previously loaded config file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded, nothing to reload")
	}
	return l.Load(path)
}

// Get returns the active configuration snapshot.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded config file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} references in the raw config text.
// ${VAR:-default} falls back to default when VAR is unset or empty.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v := os.Getenv(groups[1]); v != "" {
			return v
		}
		return groups[3]
	})
}

// GenerateDefault writes a starter config file with a commented example
// catalog to the given path.
func GenerateDefault(path string) error {
	starter := `# SkyFence configuration
server:
  port: 7420
  log_level: info
  cors: false

storage:
  driver: sqlite
  path: ./skyfence.db
  retention: 720h

notify:
  webhook:
    url: ""
    secret: "${SKYFENCE_WEBHOOK_SECRET:-}"
  kafka:
    brokers: []
    topic: skyfence.violations

pod:
  capacity: 8

zones:
  - id: zone-hospital
    name: Hospital
    geometry: circular
    boundary: exclusion
    center_lat: 40.7614
    center_lon: -73.9776
    radius_m: 1000
    priority: 4
    status: active
    action: return_home

  - id: zone-park
    name: Park
    geometry: circular
    boundary: inclusion
    center_lat: 40.7829
    center_lon: -73.9654
    radius_m: 2000
    max_altitude_m: 60
    priority: 2
    status: active
    action: alert

stations:
  - id: st-01
    name: Midtown Dock
    lat: 40.7580
    lon: -73.9855
    capacity: 4
    charging: true
    maintenance: false
    status: operational
`
	return os.WriteFile(path, []byte(starter), 0644)
}
