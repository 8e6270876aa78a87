package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the trust subsystem.
type Metrics struct {
	submissionsAccepted prometheus.Counter
	submissionsRejected prometheus.Counter
	votesAccepted       prometheus.Counter
	votesRejected       prometheus.Counter
	conflictsOpened     prometheus.Counter
	conflictsResolved   *prometheus.CounterVec
	evidenceDeleted     *prometheus.CounterVec
}

// New creates the metrics and registers them on the provided registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planfacts_submissions_accepted_total",
			Help: "Verification submissions accepted by the consensus service",
		}),
		submissionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planfacts_submissions_rejected_total",
			Help: "Verification submissions rejected (duplicates, validation, lookup failures)",
		}),
		votesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planfacts_votes_accepted_total",
			Help: "Votes recorded on verification submissions",
		}),
		votesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planfacts_votes_rejected_total",
			Help: "Votes rejected (duplicates, validation, unknown verification)",
		}),
		conflictsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planfacts_import_conflicts_opened_total",
			Help: "Import field writes diverted into the conflict queue",
		}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planfacts_import_conflicts_resolved_total",
			Help: "Import conflicts resolved, by outcome",
		}, []string{"outcome"}),
		evidenceDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planfacts_evidence_deleted_total",
			Help: "Rows removed by TTL cleanup, by table",
		}, []string{"table"}),
	}
	registerer.MustRegister(
		m.submissionsAccepted,
		m.submissionsRejected,
		m.votesAccepted,
		m.votesRejected,
		m.conflictsOpened,
		m.conflictsResolved,
		m.evidenceDeleted,
	)
	return m
}

// CountSubmission records a submission outcome.
func (m *Metrics) CountSubmission(accepted bool) {
	if accepted {
		m.submissionsAccepted.Inc()
		return
	}
	m.submissionsRejected.Inc()
}

// CountVote records a vote outcome.
func (m *Metrics) CountVote(accepted bool) {
	if accepted {
		m.votesAccepted.Inc()
		return
	}
	m.votesRejected.Inc()
}

// CountConflictOpened records a write diverted into the conflict queue.
func (m *Metrics) CountConflictOpened() {
	m.conflictsOpened.Inc()
}

// CountConflictResolved records a terminal conflict resolution.
func (m *Metrics) CountConflictResolved(outcome string) {
	m.conflictsResolved.WithLabelValues(outcome).Inc()
}

// CountEvidenceDeleted records rows removed by TTL cleanup.
func (m *Metrics) CountEvidenceDeleted(table string, rows int64) {
	if rows <= 0 {
		return
	}
	m.evidenceDeleted.WithLabelValues(table).Add(float64(rows))
}
