package devicestate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by every Cache in the
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	rotations *prometheus.CounterVec
	resets    *prometheus.CounterVec
	flushes   *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

// NewMetrics creates the cache collectors. Register them with Collectors.
func NewMetrics() *Metrics {
	opLabels := []string{"device_id", "operation"}
	deviceLabels := []string{"device_id"}
	return &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_attempts_total",
			Help: "Network attempts made by the device state cache",
		}, opLabels),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_attempt_failures_total",
			Help: "Network attempts that failed",
		}, opLabels),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_version_rotations_total",
			Help: "Protocol version switches after a failed attempt, by newly selected version",
		}, []string{"device_id", "version"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_state_resets_total",
			Help: "Times cached state was discarded after exhausting retries",
		}, opLabels),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_flushes_total",
			Help: "Debounced write batches sent successfully",
		}, deviceLabels),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_refreshes_total",
			Help: "Successful full state refreshes",
		}, deviceLabels),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.attempts,
		m.failures,
		m.rotations,
		m.resets,
		m.flushes,
		m.refreshes,
	}
}

func (m *Metrics) attempt(device string, op Operation) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(device, string(op)).Inc()
}

func (m *Metrics) failure(device string, op Operation) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(device, string(op)).Inc()
}

func (m *Metrics) rotation(device, version string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(device, version).Inc()
}

func (m *Metrics) reset(device string, op Operation) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(device, string(op)).Inc()
}

func (m *Metrics) flushed(device string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(device).Inc()
}

func (m *Metrics) refreshed(device string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(device).Inc()
}
