// Package metrics exposes the proxy's Prometheus instrumentation: command
// routing counts, redirects issued, migration task state, and delete-task
// batch activity, grounded on the teacher's stats package role but built on
// github.com/prometheus/client_golang instead of a bespoke StatsD-like
// reporter, since the rest of the pack favors a pulled Prometheus endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the proxy emits, constructed once at
// startup and threaded through the components that report on it. Only
// CommandsRouted, RedirectsIssued and BackendErrors are updated (by the
// session layer); MigrationTasks, DeleteBatches and DeleteKeysTotal are
// registered but no component updates them, so they stay at zero.
type Registry struct {
	CommandsRouted   *prometheus.CounterVec
	RedirectsIssued  *prometheus.CounterVec
	MigrationTasks   *prometheus.GaugeVec
	DeleteBatches    prometheus.Counter
	DeleteKeysTotal  prometheus.Counter
	BackendErrors    *prometheus.CounterVec
}

func NewRegistry() *Registry {
	return &Registry{
		CommandsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "undermoon",
			Subsystem: "proxy",
			Name:      "commands_routed_total",
			Help:      "Commands the router resolved to a backend node or a redirect, by command name.",
		}, []string{"command"}),
		RedirectsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "undermoon",
			Subsystem: "proxy",
			Name:      "redirects_issued_total",
			Help:      "MOVED/ASK redirects issued to clients, by kind.",
		}, []string{"kind"}),
		MigrationTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "undermoon",
			Subsystem: "migration",
			Name:      "tasks_in_state",
			Help:      "Number of migration tasks currently in each state.",
		}, []string{"state"}),
		DeleteBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "undermoon",
			Subsystem: "migration",
			Name:      "delete_batches_total",
			Help:      "SCAN+DEL batches executed by delete-keys tasks.",
		}),
		DeleteKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "undermoon",
			Subsystem: "migration",
			Name:      "delete_keys_total",
			Help:      "Keys deleted by delete-keys tasks.",
		}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "undermoon",
			Subsystem: "proxy",
			Name:      "backend_errors_total",
			Help:      "Backend round-trip failures by address; routing failures are counted under the label \"route\".",
		}, []string{"address"}),
	}
}

// MustRegister registers every metric against the default registerer.
func (r *Registry) MustRegister() {
	prometheus.MustRegister(
		r.CommandsRouted,
		r.RedirectsIssued,
		r.MigrationTasks,
		r.DeleteBatches,
		r.DeleteKeysTotal,
		r.BackendErrors,
	)
}

// Handler returns the /metrics HTTP handler to serve on MetricsAddress.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
