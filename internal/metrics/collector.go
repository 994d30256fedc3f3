// Package metrics exports continuation manager activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AltairaLabs/continuation-manager/internal/dcontinue"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
)

const namespace = "continuationmgr"

// Collector owns a private registry so tests and multiple instances do not
// collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	tokens         prometheus.Gauge
	notifierDeaths prometheus.Counter

	taskDuration *prometheus.HistogramVec

	applyTotal    *prometheus.CounterVec
	applyDuration prometheus.Histogram

	transitions   *prometheus.CounterVec
	sessionsEnded *prometheus.CounterVec
}

// NewCollector creates a collector with Go and process collectors attached
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Facade requests by operation and result code",
		}, []string{"op", "code"}),
		tokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_tokens",
			Help:      "Tokens currently registered",
		}),
		notifierDeaths: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_deaths_total",
			Help:      "Device selection notifiers that died while registered",
		}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workqueue_task_duration_seconds",
			Help:      "Time spent running one work queue task",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"queue", "task"}),
		applyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbiter_apply_total",
			Help:      "Resource apply calls by outcome",
		}, []string{"outcome"}),
		applyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "arbiter_apply_duration_seconds",
			Help:      "Time from apply to broker decision",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continue_transitions_total",
			Help:      "Session state changes by direction and target state",
		}, []string{"direction", "to"}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continue_sessions_ended_total",
			Help:      "Finished continuation sessions by direction and result",
		}, []string{"direction", "code"}),
	}
}

// Registry returns the registry backing the collector
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestHandled counts one facade request
func (c *Collector) RequestHandled(op string, code errcode.Code) {
	c.requestsTotal.WithLabelValues(op, code.Name()).Inc()
}

// TokensChanged records the registered token count
func (c *Collector) TokensChanged(n int) {
	c.tokens.Set(float64(n))
}

// NotifierDied counts one notifier death
func (c *Collector) NotifierDied() {
	c.notifierDeaths.Inc()
}

// ObserveTask records how long a queue task ran. It has the shape of a
// workqueue observer.
func (c *Collector) ObserveTask(queue, task string, d time.Duration) {
	c.taskDuration.WithLabelValues(queue, task).Observe(d.Seconds())
}

// ApplyOutcome records one arbiter apply decision
func (c *Collector) ApplyOutcome(outcome string, d time.Duration) {
	c.applyTotal.WithLabelValues(outcome).Inc()
	c.applyDuration.Observe(d.Seconds())
}

// Transition counts a session state change
func (c *Collector) Transition(dir dcontinue.Direction, _, to dcontinue.StateType) {
	c.transitions.WithLabelValues(dir.String(), to.String()).Inc()
}

// SessionEnded counts a finished session
func (c *Collector) SessionEnded(dir dcontinue.Direction, code errcode.Code) {
	c.sessionsEnded.WithLabelValues(dir.String(), code.Name()).Inc()
}
