// Package metrics exposes Prometheus counters for sync activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the counters the sync pipeline reports into.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsCompleted prometheus.Counter
	RunsAborted   prometheus.Counter

	ContactsProcessed prometheus.Counter
	ContactsFiltered  prometheus.Counter
	ContactsErrored   prometheus.Counter
}

// New registers the sync counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kommosync_runs_started_total",
			Help: "Total number of sync runs started",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kommosync_runs_completed_total",
			Help: "Total number of sync runs that processed every contact",
		}),
		RunsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kommosync_runs_aborted_total",
			Help: "Total number of sync runs aborted by a terminal error",
		}),
		ContactsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "kommosync_contacts_processed_total",
			Help: "Contacts successfully pushed to the CRM as leads",
		}),
		ContactsFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "kommosync_contacts_filtered_total",
			Help: "Contacts skipped because of an invalid phone number",
		}),
		ContactsErrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "kommosync_contacts_errored_total",
			Help: "Contacts that failed with a non-terminal API error",
		}),
	}
}
