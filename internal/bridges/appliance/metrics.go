package appliance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	commands       *prometheus.CounterVec
	requests       *prometheus.CounterVec
	statePublishes *prometheus.CounterVec
	available      *prometheus.GaugeVec
}

// NewMetrics creates the bridge collectors. Register them with Collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_bridge_commands_total",
			Help: "Commands received, by device and result code",
		}, []string{"device_id", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_bridge_requests_total",
			Help: "Requests handled, by action and success",
		}, []string{"action", "success"}),
		statePublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_appliance_bridge_state_publishes_total",
			Help: "State messages published",
		}, []string{"device_id"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graylogic_appliance_device_available",
			Help: "1 while the device's cached state is valid",
		}, []string{"device_id"}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.commands, m.requests, m.statePublishes, m.available}
}

func (m *Metrics) command(device, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(device, result).Inc()
}

func (m *Metrics) request(action string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.requests.WithLabelValues(action, label).Inc()
}

func (m *Metrics) statePublished(device string) {
	if m == nil {
		return
	}
	m.statePublishes.WithLabelValues(device).Inc()
}

func (m *Metrics) setAvailable(device string, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.available.WithLabelValues(device).Set(v)
}
