/*
Package metrics exposes Prometheus metrics for the punch ledger.

Recorder implements punch.Observer, so the ledger reports outcomes without
knowing about Prometheus. Every Recorder owns its registry; the server
serves it on /metrics through Handler.

METRICS:
  timeclock_punches_recorded_total{type,method}
  timeclock_punches_rejected_total{reason}
  timeclock_ledger_head_nsr
  timeclock_integrity_checks_total{result}
  timeclock_integrity_violations{status}      (last verification run)
  timeclock_http_request_duration_seconds{method,route,status}
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/timeclock/punch"
)

const namespace = "timeclock"

type Recorder struct {
	registry *prometheus.Registry

	recorded    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	head        prometheus.Gauge
	checks      *prometheus.CounterVec
	violations  *prometheus.GaugeVec
	httpLatency *prometheus.HistogramVec
}

// NewRecorder builds a Recorder on a fresh registry with Go and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punches_recorded_total",
			Help:      "Punches appended to the ledger.",
		}, []string{"type", "method"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punches_rejected_total",
			Help:      "Punches refused by admission, by reason.",
		}, []string{"reason"}),
		head: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_head_nsr",
			Help:      "Highest NSR recorded by this process.",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_checks_total",
			Help:      "Integrity verification runs, by result.",
		}, []string{"result"}),
		violations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_violations",
			Help:      "Records failing the last integrity verification, by status.",
		}, []string{"status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.recorded, r.rejected, r.head, r.checks, r.violations, r.httpLatency,
	)
	return r
}

// Registry exposes the underlying registry (tests, extra collectors).
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// PunchRecorded implements punch.Observer.
func (r *Recorder) PunchRecorded(rec punch.Record) {
	r.recorded.WithLabelValues(string(rec.Type), string(rec.Method)).Inc()
	r.head.Set(float64(rec.SequenceNumber))
}

// SetHead primes the head gauge at startup, before any punch is recorded.
func (r *Recorder) SetHead(nsr int64) {
	r.head.Set(float64(nsr))
}

// PunchRejected implements punch.Observer.
func (r *Recorder) PunchRejected(reason punch.Reason) {
	r.rejected.WithLabelValues(string(reason)).Inc()
}

// IntegrityVerified implements punch.Observer.
func (r *Recorder) IntegrityVerified(report *punch.IntegrityReport) {
	var tampered, missing int
	for _, e := range report.Entries {
		switch e.Status {
		case punch.StatusTampered:
			tampered++
		case punch.StatusMissing:
			missing++
		}
	}

	result := "ok"
	if tampered+missing > 0 {
		result = "violation"
	}
	r.checks.WithLabelValues(result).Inc()
	r.violations.WithLabelValues(string(punch.StatusTampered)).Set(float64(tampered))
	r.violations.WithLabelValues(string(punch.StatusMissing)).Set(float64(missing))
}

// ObserveHTTP records one request. route is the router pattern, not the raw path.
func (r *Recorder) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.httpLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
