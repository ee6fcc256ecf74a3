// Package metrics exposes Prometheus instrumentation for the submission pipeline.
//
// A Metrics value is created once per process against a registry. All
// recording methods are safe on a nil *Metrics so library code can be used
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "formcore"

// Metrics holds the pipeline's collectors.
type Metrics struct {
	// SubmissionsTotal counts processed submissions.
	// Labels: outcome (created, duplicate, deprecated, error)
	SubmissionsTotal *prometheus.CounterVec

	// SubmissionErrorsTotal counts submissions recorded as errors.
	// Labels: code (XML_SYNTAX, INVALID_CASE_INDEX, ...)
	SubmissionErrorsTotal *prometheus.CounterVec

	// SubmissionDuration measures end to end processing time.
	// Labels: outcome
	SubmissionDuration *prometheus.HistogramVec

	// LockWaitSeconds measures how long the pipeline waited for its locks.
	LockWaitSeconds prometheus.Histogram

	// LockConflictsTotal counts submissions rejected because a lock stayed held.
	LockConflictsTotal prometheus.Counter

	// CasesWrittenTotal counts case rows written by committed batches.
	CasesWrittenTotal prometheus.Counter

	// ExtensionClosuresTotal counts extension cases closed by a host closing.
	ExtensionClosuresTotal prometheus.Counter

	// FormOperationsTotal counts archive and unarchive transitions.
	// Labels: operation (archive, unarchive)
	FormOperationsTotal *prometheus.CounterVec

	// UnfinishedSubmissions reports stubs found by the last reconciliation.
	// Labels: status (cleared, pending)
	UnfinishedSubmissions *prometheus.GaugeVec

	// HTTPRequestsTotal counts requests served by the HTTP boundary.
	// Labels: route, status
	HTTPRequestsTotal *prometheus.CounterVec
}

// New registers every collector on reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "total",
			Help:      "Processed form submissions by outcome.",
		}, []string{"outcome"}),

		SubmissionErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "errors_total",
			Help:      "Form submissions recorded as errors, by error code.",
		}, []string{"code"}),

		SubmissionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "duration_seconds",
			Help:      "Time to process one form submission.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),

		LockWaitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring form and case locks.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		LockConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "conflicts_total",
			Help:      "Operations rejected because a lock stayed held.",
		}),

		CasesWrittenTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "case",
			Name:      "written_total",
			Help:      "Case rows written by committed batches.",
		}),

		ExtensionClosuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "case",
			Name:      "extension_closures_total",
			Help:      "Extension cases closed because a host case closed.",
		}),

		FormOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "form",
			Name:      "operations_total",
			Help:      "Form state transitions requested by operators.",
		}, []string{"operation"}),

		UnfinishedSubmissions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "unfinished",
			Help:      "Unfinished submission stubs seen by the last reconciliation.",
		}, []string{"status"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
	}
}

// ObserveSubmission records one processed submission. code is empty unless
// the outcome is an error.
func (m *Metrics) ObserveSubmission(outcome, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
	m.SubmissionDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if code != "" {
		m.SubmissionErrorsTotal.WithLabelValues(code).Inc()
	}
}

// ObserveLockWait records time spent acquiring locks.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(d.Seconds())
}

// LockConflict counts one lock conflict.
func (m *Metrics) LockConflict() {
	if m == nil {
		return
	}
	m.LockConflictsTotal.Inc()
}

// CasesWritten counts committed case rows and cascade closures.
func (m *Metrics) CasesWritten(cases, cascaded int) {
	if m == nil {
		return
	}
	m.CasesWrittenTotal.Add(float64(cases))
	m.ExtensionClosuresTotal.Add(float64(cascaded))
}

// FormOperation counts one archive or unarchive.
func (m *Metrics) FormOperation(op string) {
	if m == nil {
		return
	}
	m.FormOperationsTotal.WithLabelValues(op).Inc()
}

// Unfinished records the result of a reconciliation pass.
func (m *Metrics) Unfinished(cleared, pending int) {
	if m == nil {
		return
	}
	m.UnfinishedSubmissions.WithLabelValues("cleared").Set(float64(cleared))
	m.UnfinishedSubmissions.WithLabelValues("pending").Set(float64(pending))
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}
