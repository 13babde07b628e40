package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultNamespace = "fedpool"
	subsystemPool    = "pool"
	subsystemDeliver = "delivery"
)

// Delivery outcomes used as the "outcome" label.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeGaveUp    = "gave_up"
)

// PoolSnapshot is the gauge view of a connection pool.
type PoolSnapshot struct {
	Size  int
	Open  int
	Idle  int
	Sites int
}

// PoolCollector counts connection pool and delivery events and exposes them
// through its own Prometheus registry.
type PoolCollector struct {
	namespace string
	registry  *prometheus.Registry

	mu     sync.RWMutex
	source func() PoolSnapshot

	checkouts        prometheus.Counter
	checkoutTimeouts prometheus.Counter
	created          prometheus.Counter
	createFailures   prometheus.Counter
	discarded        prometheus.Counter
	reaped           prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
}

// NewPoolCollector creates a collector and registers its metrics.
func NewPoolCollector(namespace string) *PoolCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &PoolCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}
	c.registerMetrics()
	return c
}

// Registry returns the prometheus registry managed by this collector.
func (c *PoolCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PoolCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Bind sets the function the pool gauges read from.
func (c *PoolCollector) Bind(source func() PoolSnapshot) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
}

func (c *PoolCollector) ObserveCheckout() {
	if c == nil {
		return
	}
	c.checkouts.Inc()
}

func (c *PoolCollector) ObserveCheckoutTimeout() {
	if c == nil {
		return
	}
	c.checkoutTimeouts.Inc()
}

// ObserveCreate records a factory call; failed creations are counted apart.
func (c *PoolCollector) ObserveCreate(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.createFailures.Inc()
		return
	}
	c.created.Inc()
}

func (c *PoolCollector) ObserveDiscard() {
	if c == nil {
		return
	}
	c.discarded.Inc()
}

func (c *PoolCollector) ObserveReaped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.reaped.Add(float64(n))
}

func (c *PoolCollector) ObserveDelivery(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
	c.deliveryDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Snapshot returns the current gauge values, zero when nothing is bound.
func (c *PoolCollector) Snapshot() PoolSnapshot {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source == nil {
		return PoolSnapshot{}
	}
	return source()
}

func (c *PoolCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(PoolSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemPool,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return valueFn(c.Snapshot())
		})
	}
	makeCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemPool,
			Name:      name,
			Help:      help,
		})
	}

	c.checkouts = makeCounter("checkouts_total", "Connections handed out to callers.")
	c.checkoutTimeouts = makeCounter("checkout_timeouts_total", "Checkouts that gave up waiting for the shared ceiling.")
	c.created = makeCounter("connections_created_total", "Connections opened by the factory.")
	c.createFailures = makeCounter("connection_create_failures_total", "Factory calls that returned an error.")
	c.discarded = makeCounter("connections_discarded_total", "Broken connections dropped instead of returned.")
	c.reaped = makeCounter("connections_reaped_total", "Idle or dead connections closed by the reaper.")
	c.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: subsystemDeliver,
		Name:      "deliveries_total",
		Help:      "Finished deliveries by outcome.",
	}, []string{"outcome"})
	c.deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: subsystemDeliver,
		Name:      "duration_seconds",
		Help:      "Wall time of a delivery including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"outcome"})

	c.registry.MustRegister(
		c.checkouts,
		c.checkoutTimeouts,
		c.created,
		c.createFailures,
		c.discarded,
		c.reaped,
		c.deliveries,
		c.deliveryDuration,
	)
	c.registry.MustRegister(makeGauge(
		"size",
		"Shared ceiling on connections across all sites.",
		func(s PoolSnapshot) float64 { return float64(s.Size) },
	))
	c.registry.MustRegister(makeGauge(
		"open_connections",
		"Connections currently counted against the shared ceiling.",
		func(s PoolSnapshot) float64 { return float64(s.Open) },
	))
	c.registry.MustRegister(makeGauge(
		"idle_connections",
		"Connections waiting in per-site stacks.",
		func(s PoolSnapshot) float64 { return float64(s.Idle) },
	))
	c.registry.MustRegister(makeGauge(
		"in_use_connections",
		"Connections checked out by callers.",
		func(s PoolSnapshot) float64 { return float64(s.Open - s.Idle) },
	))
	c.registry.MustRegister(makeGauge(
		"sites",
		"Distinct sites with a stack in the pool.",
		func(s PoolSnapshot) float64 { return float64(s.Sites) },
	))
}
