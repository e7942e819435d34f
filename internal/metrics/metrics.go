// Package metrics defines the Prometheus registry coredora exposes on the
// admin HTTP surface: allocation failures, admission drops, coordinator
// reachability, and reconciliation counters, named the way the spec's
// error-kind and coordinator sections describe them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every coredora metric, constructed once at startup and
// registered against a single prometheus.Registerer.
type Registry struct {
	AllocationFailures *prometheus.CounterVec
	AdmissionDropped   prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	CoordinatorState   prometheus.Gauge
	Reconciliations    prometheus.Counter
	RecordsReconciled  prometheus.Counter
	DDNSFailures       prometheus.Counter
}

// New builds a Registry with all metrics initialized but not yet
// registered.
func New() *Registry {
	return &Registry{
		AllocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coredora_allocation_failures_total",
			Help: "Total allocation failures by error kind.",
		}, []string{"kind"}),
		AdmissionDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coredora_admission_dropped_total",
			Help: "Total datagrams dropped at ingress because max_live_msgs was exceeded.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coredora_requests_total",
			Help: "Total requests handled, by family and message type.",
		}, []string{"family", "message_type"}),
		CoordinatorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coredora_coordinator_state",
			Help: "Cluster coordinator reachability: 0=connected, 1=degraded.",
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coredora_reconciliations_total",
			Help: "Total KV reconciliation passes run (on reconnect and periodically).",
		}),
		RecordsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coredora_records_reconciled_total",
			Help: "Total lease records rebuilt into the renew cache during reconciliation.",
		}),
		DDNSFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coredora_ddns_failures_total",
			Help: "Total DDNS forward/reverse update failures (never blocks a lease).",
		}),
	}
}

// MustRegister registers every metric against reg, panicking on
// duplicate registration as prometheus.MustRegister does.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.AllocationFailures,
		r.AdmissionDropped,
		r.RequestsTotal,
		r.CoordinatorState,
		r.Reconciliations,
		r.RecordsReconciled,
		r.DDNSFailures,
	)
}
