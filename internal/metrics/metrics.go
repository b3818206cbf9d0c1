// Package metrics owns the Prometheus collectors of the delivery pipeline.
//
// Every method is nil-safe so components can run without metrics in tests
// and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "changenotify"

type Metrics struct {
	Registry *prometheus.Registry

	sendsTotal     *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	pendingRetries prometheus.Gauge
	admissions     *prometheus.CounterVec
	batchFlushes   *prometheus.CounterVec
	batchBuffered  prometheus.Gauge
	dispatches     *prometheus.CounterVec
	expired        prometheus.Counter
	spoolFiles     *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
}

// New builds a registry with the pipeline collectors plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		sendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Channel send attempts by channel and outcome (delivered, retry, failed, bounced).",
		}, []string{"channel", "outcome"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Duration of a single channel send attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"channel"}),
		pendingRetries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_retries",
			Help:      "Scheduled retries waiting for their timer.",
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Batching/throttling decisions by channel and decision.",
		}, []string{"channel", "decision"}),
		batchFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Batch flushes by trigger (size, window, shutdown).",
		}, []string{"trigger"}),
		batchBuffered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_buffered",
			Help:      "Notifications currently held in batch buffers.",
		}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Event fan-outs by result.",
		}, []string{"result"}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_expired_total",
			Help:      "Records moved to expired by the cleanup sweep.",
		}),
		spoolFiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spool_files_total",
			Help:      "Spool inbox files processed by result.",
		}, []string{"result"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by job and result.",
		}, []string{"job", "result"}),
	}
}

func (m *Metrics) ObserveSend(channel, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(channel, outcome).Inc()
	m.sendDuration.WithLabelValues(channel).Observe(took.Seconds())
}

func (m *Metrics) SetPendingRetries(n int) {
	if m == nil {
		return
	}
	m.pendingRetries.Set(float64(n))
}

func (m *Metrics) ObserveAdmission(channel, decision string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(channel, decision).Inc()
}

func (m *Metrics) ObserveFlush(trigger string, buffered int) {
	if m == nil {
		return
	}
	m.batchFlushes.WithLabelValues(trigger).Inc()
	m.batchBuffered.Set(float64(buffered))
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.batchBuffered.Set(float64(n))
}

func (m *Metrics) ObserveDispatch(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) ObserveSpool(result string) {
	if m == nil {
		return
	}
	m.spoolFiles.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveJob(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}
