// Package notify fans violation events out to configured delivery sinks.
// Delivery is fire-and-forget: a slow or failing sink never blocks or fails
// the evaluation that produced the event.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/skyfence/skyfence/internal/config"
)

// Event is a violation notification to be delivered.
type Event struct {
	Type      string    `json:"type"` // zone_violation, ground_stop
	ZoneID    string    `json:"zone_id,omitempty"`
	ZoneName  string    `json:"zone_name,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Boundary  string    `json:"boundary,omitempty"`
	Action    string    `json:"action,omitempty"`
	Lat       float64   `json:"lat,omitempty"`
	Lon       float64   `json:"lon,omitempty"`
	AltitudeM *float64  `json:"altitude_m,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is a delivery channel for violation events.
type Sink interface {
	Send(evt Event) error
	Name() string
}

// Manager orchestrates event delivery with deduplication. Repeated
// violations of the same zone by the same agent within the dedup TTL are
// delivered once; every violation is still recorded in the store regardless.
type Manager struct {
	mu       sync.Mutex
	sinks    []Sink
	dedup    map[string]time.Time // dedupKey -> lastSent
	dedupTTL time.Duration
	logger   *slog.Logger
}

// NewManager creates a notification manager with the sinks the config
// enables.
func NewManager(cfg config.NotifyConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sinks:    make([]Sink, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "notify.Manager"),
	}

	if cfg.Webhook.URL != "" {
		m.sinks = append(m.sinks, NewWebhookSink(cfg.Webhook))
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		m.sinks = append(m.sinks, NewKafkaSink(cfg.Kafka))
	}

	return m
}

// AddSink registers an additional delivery channel.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Send dispatches an event to all sinks, deduplicated per zone+agent+type.
func (m *Manager) Send(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	dedupKey := evt.Type + "|" + evt.ZoneID + "|" + evt.AgentID
	m.mu.Lock()
	if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("event deduplicated", "type", evt.Type, "key", dedupKey)
		return
	}
	m.dedup[dedupKey] = time.Now()
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	for _, sink := range sinks {
		go func(s Sink) {
			if err := s.Send(evt); err != nil {
				m.logger.Error("failed to deliver event",
					"sink", s.Name(),
					"type", evt.Type,
					"zone_id", evt.ZoneID,
					"agent_id", evt.AgentID,
					"error", err,
				)
			}
		}(sink)
	}
}

// PruneDedup removes stale dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSinks reports whether any delivery channels are configured.
func (m *Manager) HasSinks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks) > 0
}

// Close shuts down sinks that hold connections.
func (m *Manager) Close() {
	m.mu.Lock()
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	for _, s := range sinks {
		if closer, ok := s.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				m.logger.Warn("failed to close sink", "sink", s.Name(), "error", err)
			}
		}
	}
}
