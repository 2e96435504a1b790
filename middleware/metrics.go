package middleware

import (
	"context"
	"time"

	"github.com/shrek82/jormpool/core"
	"github.com/shrek82/jormpool/metrics"
)

// MetricsMiddleware records every operation on a Prometheus collector and
// exports the database's pool sizes while it is installed.
type MetricsMiddleware struct {
	collector *metrics.Collector
	database  string
	db        *core.Database
}

// NewMetrics reports to c, labelling pool gauges with the given database name.
func NewMetrics(c *metrics.Collector, database string) *MetricsMiddleware {
	return &MetricsMiddleware{collector: c, database: database}
}

func (m *MetricsMiddleware) Name() string {
	return "Metrics"
}

func (m *MetricsMiddleware) Init(db *core.Database) error {
	m.db = db
	m.collector.Watch(m.database, db)
	return nil
}

func (m *MetricsMiddleware) Shutdown() error {
	if m.db != nil {
		m.collector.Unwatch(m.db)
	}
	return nil
}

func (m *MetricsMiddleware) Process(ctx context.Context, op *core.Operation, next core.QueryFunc) (*core.Result, error) {
	start := time.Now()
	res, err := next(ctx, op)
	m.collector.ObserveOperation(op.Pool, string(op.Kind), time.Since(start), err)
	return res, err
}
