// Package metrics exposes the daemon's internal counters to Prometheus,
// grounded on grimm-is-flywall's eBPF metrics collector (same
// Describe/Collect composition, counter/gauge-vec shape) but describing
// FastNetMon's own attack and intake state rather than eBPF map/hook
// counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus metric the daemon exports.
type Metrics struct {
	ActiveAttacks    prometheus.Gauge
	HostsTracked     prometheus.Gauge
	AttacksTotal     *prometheus.CounterVec // labeled by trigger_kind
	MitigationFail   prometheus.Counter
	HostCapOverflows prometheus.Gauge

	PacketsProcessed *prometheus.CounterVec // labeled by source
	MalformedFrames  *prometheus.CounterVec // labeled by source, reason

	HookDuration *prometheus.HistogramVec // labeled by hook_type
}

// New constructs a Metrics with every collector initialised but not yet
// registered.
func New() *Metrics {
	return &Metrics{
		ActiveAttacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastnetmon_active_attacks",
			Help: "Number of hosts currently in the attack_active state.",
		}),
		HostsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastnetmon_hosts_tracked",
			Help: "Number of hosts with live counter state.",
		}),
		AttacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastnetmon_attacks_total",
			Help: "Total number of attack onsets, by triggering threshold kind.",
		}, []string{"trigger_kind"}),
		MitigationFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastnetmon_mitigation_failures_total",
			Help: "Total number of mitigation announce/withdraw calls that failed.",
		}),
		HostCapOverflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastnetmon_host_cap_overflow_total",
			Help: "Cumulative number of per-host counter updates dropped because the host's shard had reached its per-shard host cap.",
		}),
		PacketsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastnetmon_packets_processed_total",
			Help: "Total number of normalised packets processed, by intake source.",
		}, []string{"source"}),
		MalformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastnetmon_malformed_frames_total",
			Help: "Total number of malformed telemetry frames, by source and reason.",
		}, []string{"source", "reason"}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fastnetmon_hook_duration_seconds",
			Help:    "Duration of notification/mitigation hook calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"hook_type"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.ActiveAttacks.Describe(ch)
	m.HostsTracked.Describe(ch)
	m.AttacksTotal.Describe(ch)
	m.MitigationFail.Describe(ch)
	m.HostCapOverflows.Describe(ch)
	m.PacketsProcessed.Describe(ch)
	m.MalformedFrames.Describe(ch)
	m.HookDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.ActiveAttacks.Collect(ch)
	m.HostsTracked.Collect(ch)
	m.AttacksTotal.Collect(ch)
	m.MitigationFail.Collect(ch)
	m.HostCapOverflows.Collect(ch)
	m.PacketsProcessed.Collect(ch)
	m.MalformedFrames.Collect(ch)
	m.HookDuration.Collect(ch)
}

// Register registers m with the default Prometheus registry. Registering
// the same collector twice (multiple Runtimes in one process, repeated
// test construction) is tolerated rather than treated as fatal, since the
// duplicate is always this same *Metrics shape.
func (m *Metrics) Register() {
	if err := prometheus.Register(m); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
		panic(err)
	}
}
