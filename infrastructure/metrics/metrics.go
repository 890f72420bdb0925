// Package metrics provides the agent's Prometheus export surface, backed by
// the in-process ring-buffer sampler in this package (see registry.go).
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/RohithBalasubramani/plc-logger/infrastructure/runtime"
)

// Metrics holds all Prometheus collectors exported by the agent.
type Metrics struct {
	// Job execution
	JobRunsTotal    *prometheus.CounterVec
	JobRunDuration  *prometheus.HistogramVec
	JobRowsWritten  *prometheus.CounterVec
	JobLastRunEpoch *prometheus.GaugeVec

	// Errors
	ErrorsTotal *prometheus.CounterVec

	// Device / tag I/O
	TagReadsTotal    *prometheus.CounterVec
	TagReadDuration  *prometheus.HistogramVec
	DeviceState      *prometheus.GaugeVec
	DeviceReconnects *prometheus.CounterVec

	// Database target I/O
	DBWriteTotal    *prometheus.CounterVec
	DBWriteDuration *prometheus.HistogramVec
	DBConnsOpen     *prometheus.GaugeVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
	CPUPercent    prometheus.Gauge
	MemPercent    prometheus.Gauge
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
// A nil registerer skips registration entirely (used in tests that construct
// many independent Metrics instances in the same process).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plclogger_job_runs_total",
				Help: "Total number of job execution ticks, by job and outcome",
			},
			[]string{"job_id", "status"},
		),
		JobRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plclogger_job_run_duration_seconds",
				Help:    "Wall-clock duration of one job tick",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"job_id"},
		),
		JobRowsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plclogger_job_rows_written_total",
				Help: "Total rows appended to db targets by a job",
			},
			[]string{"job_id", "table_id"},
		),
		JobLastRunEpoch: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plclogger_job_last_run_unixtime",
				Help: "Unix timestamp of the job's last completed tick",
			},
			[]string{"job_id"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plclogger_errors_total",
				Help: "Total number of errors, by component and taxonomy code",
			},
			[]string{"component", "code"},
		),

		TagReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plclogger_tag_reads_total",
				Help: "Total tag read attempts, by table and outcome",
			},
			[]string{"table_id", "status"},
		),
		TagReadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plclogger_tag_read_duration_seconds",
				Help:    "Per-tag read latency",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"table_id"},
		),
		DeviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plclogger_device_state",
				Help: "Device session state as an enum (0=disconnected,1=connecting,2=connected,3=backoff)",
			},
			[]string{"device_id"},
		),
		DeviceReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plclogger_device_reconnects_total",
				Help: "Total reconnect attempts, by device and outcome",
			},
			[]string{"device_id", "status"},
		),

		DBWriteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plclogger_db_writes_total",
				Help: "Total batch writes to a db target, by target and outcome",
			},
			[]string{"target_id", "status"},
		),
		DBWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plclogger_db_write_duration_seconds",
				Help:    "Batch write latency to a db target",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"target_id"},
		),
		DBConnsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plclogger_db_connections_open",
				Help: "Open connections per cached db engine",
			},
			[]string{"target_id"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plclogger_uptime_seconds",
				Help: "Agent process uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plclogger_info",
				Help: "Static agent build/environment information",
			},
			[]string{"service", "version", "environment"},
		),
		CPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plclogger_host_cpu_percent",
				Help: "Host CPU utilization percent, sampled once per second",
			},
		),
		MemPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plclogger_host_mem_percent",
				Help: "Host memory utilization percent, sampled once per second",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.JobRunsTotal,
			m.JobRunDuration,
			m.JobRowsWritten,
			m.JobLastRunEpoch,
			m.ErrorsTotal,
			m.TagReadsTotal,
			m.TagReadDuration,
			m.DeviceState,
			m.DeviceReconnects,
			m.DBWriteTotal,
			m.DBWriteDuration,
			m.DBConnsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
			m.CPUPercent,
			m.MemPercent,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordJobRun records one completed job tick.
func (m *Metrics) RecordJobRun(jobID, status string, duration time.Duration) {
	m.JobRunsTotal.WithLabelValues(jobID, status).Inc()
	m.JobRunDuration.WithLabelValues(jobID).Observe(duration.Seconds())
	m.JobLastRunEpoch.WithLabelValues(jobID).Set(float64(time.Now().Unix()))
}

// RecordRowsWritten records rows appended to a db target table by a job.
func (m *Metrics) RecordRowsWritten(jobID, tableID string, rows int) {
	m.JobRowsWritten.WithLabelValues(jobID, tableID).Add(float64(rows))
}

// RecordError records an error, tagged by the component that raised it and
// its taxonomy code (see infrastructure/errors).
func (m *Metrics) RecordError(component, code string) {
	m.ErrorsTotal.WithLabelValues(component, code).Inc()
}

// RecordTagRead records one per-tag read attempt.
func (m *Metrics) RecordTagRead(tableID, status string, duration time.Duration) {
	m.TagReadsTotal.WithLabelValues(tableID, status).Inc()
	m.TagReadDuration.WithLabelValues(tableID).Observe(duration.Seconds())
}

// SetDeviceState publishes a device session's current state as an enum.
func (m *Metrics) SetDeviceState(deviceID string, state int) {
	m.DeviceState.WithLabelValues(deviceID).Set(float64(state))
}

// RecordReconnect records one reconnect attempt for a device session.
func (m *Metrics) RecordReconnect(deviceID, status string) {
	m.DeviceReconnects.WithLabelValues(deviceID, status).Inc()
}

// RecordDBWrite records one batch write to a db target.
func (m *Metrics) RecordDBWrite(targetID, status string, duration time.Duration) {
	m.DBWriteTotal.WithLabelValues(targetID, status).Inc()
	m.DBWriteDuration.WithLabelValues(targetID).Observe(duration.Seconds())
}

// SetDBConnsOpen publishes the open connection count for a cached db engine.
func (m *Metrics) SetDBConnsOpen(targetID string, count int) {
	m.DBConnsOpen.WithLabelValues(targetID).Set(float64(count))
}

// UpdateUptime refreshes the process uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// SetHostUsage publishes the latest system sampler reading (see system.go).
func (m *Metrics) SetHostUsage(cpuPercent, memPercent float64) {
	m.CPUPercent.Set(cpuPercent)
	m.MemPercent.Set(memPercent)
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled reports whether the Prometheus export surface should run.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance, idempotently.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing a fallback one
// under an "unknown" service name if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
