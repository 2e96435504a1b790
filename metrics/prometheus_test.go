package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorObserverCounters(t *testing.T) {
	c := New("test", nil)

	c.ConnOpened("regular")
	c.ConnOpened("regular")
	c.ConnOpened("transaction")
	c.ConnClosed("regular")
	c.ConnExhausted("regular")
	c.StatementsExhausted("regular", "prepared statement")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.connsOpened.WithLabelValues("regular")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connsOpened.WithLabelValues("transaction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connsClosed.WithLabelValues("regular")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connsExhausted.WithLabelValues("regular")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statementsRefused.WithLabelValues("regular", "prepared statement")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.statementsRefused.WithLabelValues("regular", "statement")))
}

func TestCollectorObserveOperation(t *testing.T) {
	c := New("test", []float64{1, 10})

	c.ObserveOperation("regular", "query", 2*time.Millisecond, nil)
	c.ObserveOperation("regular", "query", 5*time.Millisecond, nil)
	c.ObserveOperation("regular", "query", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operationsTotal.WithLabelValues("regular", "query", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationsTotal.WithLabelValues("regular", "query", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operationDuration))
}

func TestCollectorHandler(t *testing.T) {
	c := New("test", nil)
	c.ConnOpened("regular")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `test_connections_opened_total{pool="regular"} 1`))
}
