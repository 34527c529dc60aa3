// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the custody collectors. A nil *Metrics or one built with a
// nil registerer is a no-op.
type Metrics struct {
	ledgerCalls   *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	tokensMoved   *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobSuccess    *prometheus.CounterVec
	jobFailure    *prometheus.CounterVec
	reconcileRuns *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		ledgerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custody",
			Name:      "ledger_call_duration_seconds",
			Help:      "Duration of ledger gateway calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "transitions_total",
			Help:      "Custody state machine operations by outcome.",
		}, []string{"operation", "outcome"}),
		tokensMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "tokens_transitioned_total",
			Help:      "Tokens moved into a status by the registry.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custody",
			Name:      "job_duration_seconds",
			Help:      "Duration of background jobs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "job_success_total",
			Help:      "Successful background job executions.",
		}, []string{"job"}),
		jobFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "job_failure_total",
			Help:      "Failed background job executions.",
		}, []string{"job"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "reconciled_invoices_total",
			Help:      "Invoices examined by the reconciler, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.ledgerCalls, m.transitions, m.tokensMoved, m.jobDuration, m.jobSuccess, m.jobFailure, m.reconcileRuns)
	return m
}

func (m *Metrics) ObserveLedgerCall(operation string, err error, duration time.Duration) {
	if m == nil || m.ledgerCalls == nil {
		return
	}
	m.ledgerCalls.WithLabelValues(operation, outcome(err)).Observe(duration.Seconds())
}

func (m *Metrics) IncTransition(operation string, err error) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Metrics) AddTokensMoved(status string, n int) {
	if m == nil || m.tokensMoved == nil || n <= 0 {
		return
	}
	m.tokensMoved.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(normalizeLabel(job)).Observe(duration.Seconds())
}

func (m *Metrics) IncJobSuccess(job string) {
	if m == nil || m.jobSuccess == nil {
		return
	}
	m.jobSuccess.WithLabelValues(normalizeLabel(job)).Inc()
}

func (m *Metrics) IncJobFailure(job string) {
	if m == nil || m.jobFailure == nil {
		return
	}
	m.jobFailure.WithLabelValues(normalizeLabel(job)).Inc()
}

func (m *Metrics) IncReconciled(result string) {
	if m == nil || m.reconcileRuns == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(normalizeLabel(result)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
