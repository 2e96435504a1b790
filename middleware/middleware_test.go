package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/shrek82/jormpool/core"
	"github.com/shrek82/jormpool/metrics"
	"github.com/shrek82/jormpool/middleware"
	"github.com/shrek82/jormpool/pool"
)

func TestSlowLog(t *testing.T) {
	d := openDatabase(t)
	buf := new(bytes.Buffer)
	slowLog := middleware.NewSlowLog(0, "") // Threshold 0 to log everything
	slowLog.SetOutput(buf)
	require.NoError(t, d.Use(slowLog))
	ctx := context.Background()

	_, err := d.Evaluate(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	_, err = d.Update(ctx, "UPDATE items SET b = 'z' WHERE id = ?", 1)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "WARN: slow evaluate took")
	assert.Contains(t, lines[0], "component=slowlog")
	assert.Contains(t, lines[0], "op=evaluate pool=regular sql=SELECT COUNT(*) FROM items")
	assert.Regexp(t, `busy=0/\d+ `, lines[0], "the statement is back in its pool")
	assert.NotContains(t, lines[0], "rows=")

	assert.Contains(t, lines[1], "WARN: slow update took")
	assert.Contains(t, lines[1], "args=[1]")
	assert.Contains(t, lines[1], "rows=1")
}

func TestSlowLogReportsEntityAndInsertID(t *testing.T) {
	d := openDatabase(t)
	buf := new(bytes.Buffer)
	slowLog := middleware.NewSlowLog(0, "")
	slowLog.SetOutput(buf)
	require.NoError(t, d.Use(slowLog))
	ctx := context.Background()

	id, err := d.Insert(ctx, "items", "INSERT INTO items (a, b) VALUES (?, ?)", 3, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	row, err := d.FetchOne(ctx, "SELECT * FROM items WHERE id = ?", itemEntity{}, 99)
	require.NoError(t, err)
	assert.Nil(t, row)
	_, err = d.Evaluate(ctx, "SELECT nope FROM items")
	require.Error(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "id=3 insert_into=items")
	assert.Contains(t, lines[1], "entity=items found=false")
	assert.Contains(t, lines[2], "WARN: slow evaluate failed after")
	assert.Contains(t, lines[2], "nope")
}

func TestSlowLogThreshold(t *testing.T) {
	d := openDatabase(t)
	buf := new(bytes.Buffer)
	slowLog := middleware.NewSlowLog(time.Hour, "")
	slowLog.SetOutput(buf)
	require.NoError(t, d.Use(slowLog))

	_, err := d.Evaluate(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestSlowLogFile(t *testing.T) {
	path := t.TempDir() + "/slow.log"
	d := openDatabase(t)
	slowLog := middleware.NewSlowLog(0, path)
	require.NoError(t, d.Use(slowLog))

	_, err := d.Evaluate(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "slow evaluate took")
	assert.Contains(t, string(data), "sql=SELECT 1")
}

func TestCircuitBreaker(t *testing.T) {
	cb := middleware.NewCircuitBreaker(2, 20*time.Millisecond)
	op := &core.Operation{Kind: core.OpEvaluate, Pool: pool.Regular, SQL: "SELECT 1"}
	ctx := context.Background()

	calls := 0
	lost := func(context.Context, *core.Operation) (*core.Result, error) {
		calls++
		return nil, fmt.Errorf("%w: broken pipe", core.ErrConnectionFailed)
	}
	badSQL := func(context.Context, *core.Operation) (*core.Result, error) {
		calls++
		return nil, errors.New("syntax error")
	}
	ok := func(context.Context, *core.Operation) (*core.Result, error) {
		calls++
		return &core.Result{Value: int64(1)}, nil
	}

	for i := 0; i < 5; i++ {
		_, err := cb.Process(ctx, op, badSQL)
		require.Error(t, err)
	}
	assert.Equal(t, middleware.StateClosed, cb.State(), "statement errors do not trip the breaker")

	_, _ = cb.Process(ctx, op, lost)
	_, _ = cb.Process(ctx, op, lost)
	assert.Equal(t, middleware.StateOpen, cb.State())

	calls = 0
	res, err := cb.Process(ctx, op, ok)
	assert.ErrorIs(t, err, middleware.ErrCircuitOpen)
	assert.Nil(t, res)
	assert.Equal(t, 0, calls, "an open circuit does not reach the database")

	time.Sleep(30 * time.Millisecond)
	res, err = cb.Process(ctx, op, ok)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Value)
	assert.Equal(t, middleware.StateClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := middleware.NewCircuitBreaker(1, 10*time.Millisecond)
	op := &core.Operation{Kind: core.OpUpdate, Pool: pool.Regular, SQL: "UPDATE t SET a = 1"}
	lost := func(context.Context, *core.Operation) (*core.Result, error) {
		return nil, core.ErrConnectionFailed
	}

	_, _ = cb.Process(context.Background(), op, lost)
	require.Equal(t, middleware.StateOpen, cb.State())
	time.Sleep(20 * time.Millisecond)
	_, err := cb.Process(context.Background(), op, lost)
	assert.ErrorIs(t, err, core.ErrConnectionFailed)
	assert.Equal(t, middleware.StateOpen, cb.State())
}

func TestMemoryCacheFetch(t *testing.T) {
	d := openDatabase(t)
	cache := middleware.NewMemoryCache(time.Minute)
	require.NoError(t, d.Use(cache))
	ctx := context.Background()
	cached := middleware.WithCacheTTL(ctx, middleware.CacheDefault)
	const q = "SELECT id, a, b FROM items WHERE id = ?"

	row, err := d.FetchOne(cached, q, itemEntity{}, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", row.Get("b"))
	assert.Equal(t, 1, cache.Len())

	_, err = d.Update(ctx, "UPDATE items SET b = 'changed' WHERE id = 1")
	require.NoError(t, err)

	row, err = d.FetchOne(cached, q, itemEntity{}, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", row.Get("b"), "served from the cache")
	assert.Equal(t, []string{"id", "a", "b"}, row.Keys())
	inst, ok := row.Instance.(*item)
	require.True(t, ok, "instances are rebuilt on a hit")
	assert.True(t, inst.clean)
	assert.Equal(t, int64(1), inst.id)

	row, err = d.FetchOne(ctx, q, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "changed", row.Get("b"), "uncached calls see the database")

	row, err = d.FetchOne(middleware.WithCacheTTL(ctx, middleware.NoCache), q, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "changed", row.Get("b"))

	row, err = d.FetchOne(cached, q, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, "y", row.Get("b"), "arguments are part of the key")
	assert.Equal(t, 2, cache.Len())

	cache.Flush()
	assert.Equal(t, 0, cache.Len())
}

func TestMemoryCacheMissingRowAndEvaluate(t *testing.T) {
	d := openDatabase(t)
	cache := middleware.NewMemoryCache()
	require.NoError(t, d.Use(cache))
	ctx := middleware.WithCacheTTL(context.Background(), time.Minute)

	row, err := d.FetchOne(ctx, "SELECT * FROM items WHERE id = ?", nil, 99)
	require.NoError(t, err)
	assert.Nil(t, row)
	row, err = d.FetchOne(ctx, "SELECT * FROM items WHERE id = ?", nil, 99)
	require.NoError(t, err)
	assert.Nil(t, row)

	v, err := d.Evaluate(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	_, err = d.Update(context.Background(), "DELETE FROM items WHERE id = 2")
	require.NoError(t, err)
	v, err = d.Evaluate(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, 2, cache.Len())
}

func TestMemoryCacheSkipsCursorsAndTransactions(t *testing.T) {
	d := openDatabase(t)
	cache := middleware.NewMemoryCache()
	require.NoError(t, d.Use(cache))
	ctx := middleware.WithCacheTTL(context.Background(), time.Minute)

	c, err := d.Query(ctx, "SELECT * FROM items", nil)
	require.NoError(t, err)
	assert.Len(t, c.Rows(), 2)

	_, err = d.TransactionEvaluate(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	_, err = d.Update(ctx, "UPDATE items SET b = 'q'")
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestMemoryCacheExpiry(t *testing.T) {
	d := openDatabase(t)
	cache := middleware.NewMemoryCache()
	cache.CleanupInterval = 10 * time.Millisecond
	require.NoError(t, d.Use(cache))
	ctx := middleware.WithCacheTTL(context.Background(), 20*time.Millisecond)

	_, err := d.Evaluate(ctx, "SELECT MAX(a) FROM items")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
	assert.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, cache.Shutdown())
	require.NoError(t, cache.Shutdown())
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	d := openDatabase(t)
	cache := middleware.NewRedisCache(&redis.Options{Addr: addr})
	require.NoError(t, d.Use(cache))
	ctx := middleware.WithCacheTTL(context.Background(), time.Minute)
	q := fmt.Sprintf("SELECT b FROM items WHERE id = ? AND %d > 0", time.Now().UnixNano())

	row, err := d.FetchOne(ctx, q, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", row.Get("b"))
	_, err = d.Update(context.Background(), "UPDATE items SET b = 'changed' WHERE id = 1")
	require.NoError(t, err)
	row, err = d.FetchOne(ctx, q, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", row.Get("b"))
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	d := openDatabase(t)
	require.NoError(t, d.Use(middleware.NewTracing(tp)))

	ctx := middleware.WithRequestID(context.Background(), "req-1")
	_, err := d.UpdateOne(ctx, "UPDATE items SET b = ? WHERE id = ?", "t", 1)
	require.NoError(t, err)
	_, err = d.Evaluate(ctx, "SELECT nope FROM items")
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	update := spans[0]
	assert.Equal(t, "jormpool.update", update.Name())
	assert.Equal(t, codes.Ok, update.Status().Code)
	attrs := attribute.NewSet(update.Attributes()...)
	v, ok := attrs.Value("db.statement")
	require.True(t, ok)
	assert.Equal(t, "UPDATE items SET b = ? WHERE id = ?", v.AsString())
	v, _ = attrs.Value("db.rows_affected")
	assert.Equal(t, int64(1), v.AsInt64())
	v, _ = attrs.Value("request_id")
	assert.Equal(t, "req-1", v.AsString())
	v, _ = attrs.Value("db.system")
	assert.Equal(t, "sqlite3", v.AsString())

	failed := spans[1]
	assert.Equal(t, "jormpool.evaluate", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	require.NotEmpty(t, failed.Events())
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestMetrics(t *testing.T) {
	c := metrics.New("jormpool", nil)
	d := openDatabase(t, core.WithObserver(c))
	require.NoError(t, d.Use(middleware.NewMetrics(c, "main")))
	ctx := context.Background()

	_, err := d.Evaluate(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = d.Evaluate(ctx, "SELECT nope")
	require.Error(t, err)

	n, err := testutil.GatherAndCount(c.Registry(), "jormpool_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per status")

	n, err = testutil.GatherAndCount(c.Registry(), "jormpool_connections")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "busy and idle for both stacks")

	expected := `
# HELP jormpool_connections_max Connection ceiling of the pool
# TYPE jormpool_connections_max gauge
jormpool_connections_max{database="main",pool="regular"} 50
jormpool_connections_max{database="main",pool="transaction"} 50
`
	assert.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "jormpool_connections_max"))

	require.NoError(t, d.Close())
	n, err = testutil.GatherAndCount(c.Registry(), "jormpool_connections")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a closed database is no longer exported")
}
