package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shrek82/jormpool/core"
)

// Default histogram buckets for operation duration (in milliseconds)
var defaultBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// Collector holds the Prometheus collectors of one or more databases. It is
// a pool.Observer; pass it with core.WithObserver.
type Collector struct {
	registry *prometheus.Registry

	// Counters
	connsOpened       *prometheus.CounterVec
	connsClosed       *prometheus.CounterVec
	connsExhausted    *prometheus.CounterVec
	statementsRefused *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec

	// Histograms
	operationDuration *prometheus.HistogramVec

	mu      sync.Mutex
	watched map[*core.Database]string
}

// New builds a collector registered on a fresh registry. A nil or empty
// buckets slice selects the default buckets.
func New(namespace string, buckets []float64) *Collector {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		watched:  make(map[*core.Database]string),

		connsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_opened_total",
				Help:      "Total physical connections opened",
			},
			[]string{"pool"},
		),

		connsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total physical connections closed or discarded",
			},
			[]string{"pool"},
		),

		connsExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_exhausted_total",
				Help:      "Times a busy connection was handed out because the pool was full",
			},
			[]string{"pool"},
		),

		statementsRefused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_refused_total",
				Help:      "Times a statement pool refused a new entry at its ceiling",
			},
			[]string{"pool", "kind"},
		),

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total facade operations",
			},
			[]string{"pool", "op", "status"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_milliseconds",
				Help:      "Duration of facade operations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"pool", "op"},
		),
	}

	c.registry.MustRegister(
		c.connsOpened,
		c.connsClosed,
		c.connsExhausted,
		c.statementsRefused,
		c.operationsTotal,
		c.operationDuration,
		&statsCollector{c: c, namespace: namespace},
	)
	return c
}

// Registry returns the registry holding every collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ConnOpened(pool string) {
	c.connsOpened.WithLabelValues(pool).Inc()
}

func (c *Collector) ConnClosed(pool string) {
	c.connsClosed.WithLabelValues(pool).Inc()
}

func (c *Collector) ConnExhausted(pool string) {
	c.connsExhausted.WithLabelValues(pool).Inc()
}

func (c *Collector) StatementsExhausted(pool string, kind string) {
	c.statementsRefused.WithLabelValues(pool, kind).Inc()
}

// ObserveOperation records one facade operation.
func (c *Collector) ObserveOperation(pool, op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.operationsTotal.WithLabelValues(pool, op, status).Inc()
	c.operationDuration.WithLabelValues(pool, op).Observe(float64(d.Microseconds()) / 1000)
}

// Watch exports the pool sizes of d under the given database label until
// Unwatch or until d is closed.
func (c *Collector) Watch(name string, d *core.Database) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched[d] = name
}

// Unwatch stops exporting the pool sizes of d.
func (c *Collector) Unwatch(d *core.Database) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watched, d)
}

// statsCollector reads pool sizes at scrape time.
type statsCollector struct {
	c         *Collector
	namespace string
	descs     sync.Once
	conns     *prometheus.Desc
	stmts     *prometheus.Desc
	maxConns  *prometheus.Desc
}

func (s *statsCollector) init() {
	s.descs.Do(func() {
		s.conns = prometheus.NewDesc(prometheus.BuildFQName(s.namespace, "", "connections"),
			"Current physical connections by state", []string{"database", "pool", "state"}, nil)
		s.stmts = prometheus.NewDesc(prometheus.BuildFQName(s.namespace, "", "statements"),
			"Current pooled statements by kind", []string{"database", "pool", "kind"}, nil)
		s.maxConns = prometheus.NewDesc(prometheus.BuildFQName(s.namespace, "", "connections_max"),
			"Connection ceiling of the pool", []string{"database", "pool"}, nil)
	})
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	s.init()
	ch <- s.conns
	ch <- s.stmts
	ch <- s.maxConns
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s.init()
	s.c.mu.Lock()
	watched := make(map[*core.Database]string, len(s.c.watched))
	for d, name := range s.c.watched {
		if d.Closed() {
			delete(s.c.watched, d)
			continue
		}
		watched[d] = name
	}
	s.c.mu.Unlock()

	for d, name := range watched {
		st := d.Stats()
		for _, stack := range []core.StackStats{st.Regular, st.Transaction} {
			pool := stack.Conns.Name
			ch <- prometheus.MustNewConstMetric(s.conns, prometheus.GaugeValue, float64(stack.Conns.Busy), name, pool, "busy")
			ch <- prometheus.MustNewConstMetric(s.conns, prometheus.GaugeValue, float64(stack.Conns.Idle), name, pool, "idle")
			ch <- prometheus.MustNewConstMetric(s.maxConns, prometheus.GaugeValue, float64(stack.Conns.Max), name, pool)
			ch <- prometheus.MustNewConstMetric(s.stmts, prometheus.GaugeValue, float64(stack.Statements), name, pool, "simple")
			ch <- prometheus.MustNewConstMetric(s.stmts, prometheus.GaugeValue, float64(stack.Prepared), name, pool, "prepared")
		}
	}
}
