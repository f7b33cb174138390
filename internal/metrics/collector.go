package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector bundles the node's Prometheus metrics. A nil *Collector is
// accepted everywhere a collector is optional.
type Collector struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	activeRuns   prometheus.Gauge
	pollTicks    prometheus.Counter

	proxyRequests *prometheus.CounterVec
	proxyRetries  prometheus.Counter

	cryptoOps *prometheus.CounterVec

	sessionAppends *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.runsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_started_total",
		Help:      "Total number of algorithm containers launched",
	})
	c.runsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Total number of finished runs by terminal status",
	}, []string{"status"})
	c.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time from container launch to terminal status",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
	}, []string{"status"})
	c.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Number of containers currently tracked by the orchestrator",
	})
	c.pollTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_ticks_total",
		Help:      "Total number of result poll loop iterations",
	})

	c.proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_requests_total",
		Help:      "Total number of relayed container requests",
	}, []string{"method", "status"})
	c.proxyRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_retries_total",
		Help:      "Total number of retried coordinator requests",
	})

	c.cryptoOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crypto_operations_total",
		Help:      "Total number of envelope operations by kind and outcome",
	}, []string{"operation", "outcome"})

	c.sessionAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_state_appends_total",
		Help:      "Total number of session state log appends by action",
	}, []string{"action"})

	reg.MustRegister(
		c.runsStarted, c.runsFinished, c.runDuration, c.activeRuns, c.pollTicks,
		c.proxyRequests, c.proxyRetries, c.cryptoOps, c.sessionAppends,
	)
	return c
}

// RunStarted records one launched container.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsStarted.Inc()
	c.activeRuns.Inc()
}

// RunFinished records one terminal run.
func (c *Collector) RunFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(d.Seconds())
	c.activeRuns.Dec()
}

// RunDrained releases the active-run gauge for a container removed
// outside the result path, during shutdown cleanup.
func (c *Collector) RunDrained() {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
}

// PollTick records one result poll iteration.
func (c *Collector) PollTick() {
	if c == nil {
		return
	}
	c.pollTicks.Inc()
}

// ProxyRequest records one relayed request.
func (c *Collector) ProxyRequest(method, status string) {
	if c == nil {
		return
	}
	c.proxyRequests.WithLabelValues(method, status).Inc()
}

// ProxyRetry records one coordinator retry.
func (c *Collector) ProxyRetry() {
	if c == nil {
		return
	}
	c.proxyRetries.Inc()
}

// CryptoOp records one envelope operation.
func (c *Collector) CryptoOp(operation, outcome string) {
	if c == nil {
		return
	}
	c.cryptoOps.WithLabelValues(operation, outcome).Inc()
}

// SessionAppend records one state log append.
func (c *Collector) SessionAppend(action string) {
	if c == nil {
		return
	}
	c.sessionAppends.WithLabelValues(action).Inc()
}
