// Package metrics exposes dispatch, circuit breaker and audit counters in
// Prometheus format. Values are read from the live components on every
// scrape; nothing is cached between collections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/sms-dispatch/internal/audit"
	"github.com/ignite/sms-dispatch/internal/breaker"
	"github.com/ignite/sms-dispatch/internal/dispatch"
	"github.com/ignite/sms-dispatch/internal/domain"
)

var queueStates = []domain.SendStatus{
	domain.StatusIdle,
	domain.StatusPreparing,
	domain.StatusSending,
	domain.StatusPaused,
	domain.StatusCompleted,
	domain.StatusCancelled,
	domain.StatusFailed,
}

var breakerStates = []breaker.State{
	breaker.StateClosed,
	breaker.StateOpen,
	breaker.StateHalfOpen,
}

// RetryCounter reports lifetime retried send attempts. The gateway client
// satisfies it.
type RetryCounter interface {
	Retries() int64
}

// Exporter implements prometheus.Collector over the dispatch engine, the
// gateway client, the circuit breaker and the audit recorder.
type Exporter struct {
	desc     map[string]*prometheus.Desc
	engine   *dispatch.Engine
	breaker  *breaker.Breaker
	sender   RetryCounter
	recorder *audit.Recorder
}

// NewExporter initializes the Exporter with descriptions for each metric.
// sender and recorder may be nil; their metrics then report zero.
func NewExporter(engine *dispatch.Engine, cb *breaker.Breaker, sender RetryCounter, recorder *audit.Recorder) *Exporter {
	metricDesc := map[string]*prometheus.Desc{
		"sent":          prometheus.NewDesc("sms_sent_total", "Messages sent successfully", nil, nil),
		"failed":        prometheus.NewDesc("sms_failed_total", "Messages that failed to send", nil, nil),
		"invalid":       prometheus.NewDesc("sms_invalid_total", "Messages rejected before sending", nil, nil),
		"batches":       prometheus.NewDesc("sms_batches_total", "Batch dispatches started", nil, nil),
		"retries":       prometheus.NewDesc("sms_retries_total", "Retried send attempts against the gateway", nil, nil),
		"rejected":      prometheus.NewDesc("sms_rejected_total", "Calls rejected by the open circuit breaker", nil, nil),
		"queue_state":   prometheus.NewDesc("sms_dispatch_state", "Dispatch queue state, 1 for the current state", []string{"state"}, nil),
		"progress":      prometheus.NewDesc("sms_dispatch_progress", "Progress of the current or last batch", []string{"stat"}, nil),
		"breaker_state": prometheus.NewDesc("sms_breaker_state", "Circuit breaker state, 1 for the current state", []string{"state"}, nil),
		"audit_entries": prometheus.NewDesc("sms_audit_entries_total", "Audit entries by outcome", []string{"outcome"}, nil),
	}

	return &Exporter{
		desc:     metricDesc,
		engine:   engine,
		breaker:  cb,
		sender:   sender,
		recorder: recorder,
	}
}

// Handler returns an HTTP handler that serves this exporter's metrics.
func (e *Exporter) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(e)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Describe sends all metric descriptions to the Prometheus channel.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.desc {
		ch <- desc
	}
}

// Collect gathers metrics by examining the state of each component.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.collectDispatch(ch)
	e.collectBreaker(ch)
	e.collectAudit(ch)
}

// collectDispatch reports lifetime engine counters plus the state and
// progress of the current queue.
func (e *Exporter) collectDispatch(ch chan<- prometheus.Metric) {
	stats := e.engine.Stats()
	ch <- prometheus.MustNewConstMetric(e.desc["sent"], prometheus.CounterValue, float64(stats["sent_total"]))
	ch <- prometheus.MustNewConstMetric(e.desc["failed"], prometheus.CounterValue, float64(stats["failed_total"]))
	ch <- prometheus.MustNewConstMetric(e.desc["invalid"], prometheus.CounterValue, float64(stats["invalid_total"]))
	ch <- prometheus.MustNewConstMetric(e.desc["batches"], prometheus.CounterValue, float64(stats["batches_total"]))

	var retries int64
	if e.sender != nil {
		retries = e.sender.Retries()
	}
	ch <- prometheus.MustNewConstMetric(e.desc["retries"], prometheus.CounterValue, float64(retries))

	status := e.engine.Status()
	for _, state := range queueStates {
		v := 0.0
		if state == status {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(e.desc["queue_state"], prometheus.GaugeValue, v, string(state))
	}

	progress := e.engine.Progress()
	ch <- prometheus.MustNewConstMetric(e.desc["progress"], prometheus.GaugeValue, float64(progress.Current), "current")
	ch <- prometheus.MustNewConstMetric(e.desc["progress"], prometheus.GaugeValue, float64(progress.Total), "total")
	ch <- prometheus.MustNewConstMetric(e.desc["progress"], prometheus.GaugeValue, progress.Percentage, "percent")
}

// collectBreaker reports the breaker state and its rejected-call counter.
func (e *Exporter) collectBreaker(ch chan<- prometheus.Metric) {
	stats := e.breaker.Stats()
	for _, state := range breakerStates {
		v := 0.0
		if state == stats.State {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(e.desc["breaker_state"], prometheus.GaugeValue, v, string(state))
	}
	ch <- prometheus.MustNewConstMetric(e.desc["rejected"], prometheus.CounterValue, float64(stats.TotalRejected))
}

// collectAudit reports written and dropped audit entries. The recorder's
// Stats method tolerates a nil receiver, so a disabled recorder simply
// reports zeros.
func (e *Exporter) collectAudit(ch chan<- prometheus.Metric) {
	stats := e.recorder.Stats()
	ch <- prometheus.MustNewConstMetric(e.desc["audit_entries"], prometheus.CounterValue, float64(stats["written"]), "written")
	ch <- prometheus.MustNewConstMetric(e.desc["audit_entries"], prometheus.CounterValue, float64(stats["dropped"]), "dropped")
}
