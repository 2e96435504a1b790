package middleware

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shrek82/jormpool/core"
	"github.com/shrek82/jormpool/pool"
)

// TTL values understood by WithCacheTTL besides a positive duration.
const (
	NoCache        time.Duration = 0
	CacheForever   time.Duration = -1
	CacheDefault   time.Duration = -2
	cacheKeyPrefix               = "jormpool:cache:"
)

func init() {
	gob.Register(time.Time{})
}

type cacheTTLKey struct{}

// WithCacheTTL enables result caching for operations run with ctx.
// NoCache disables it, CacheForever never expires and CacheDefault uses the
// cache's default TTL.
func WithCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheTTLKey{}, ttl)
}

// cacheTTL reports the TTL requested for op. Only regular fetch and
// evaluate operations are cacheable; cursors and transactional reads are not.
func cacheTTL(ctx context.Context, op *core.Operation, def time.Duration) (time.Duration, bool) {
	if op.Pool != pool.Regular {
		return 0, false
	}
	if op.Kind != core.OpFetch && op.Kind != core.OpEvaluate {
		return 0, false
	}
	t, ok := ctx.Value(cacheTTLKey{}).(time.Duration)
	if !ok {
		return 0, false
	}
	switch {
	case t == NoCache:
		return 0, false
	case t == CacheForever:
		return 0, true
	case t == CacheDefault:
		if def > 0 {
			return def, true
		}
		return 24 * time.Hour, true
	case t > 0:
		return t, true
	}
	return 0, false
}

func cacheKey(op *core.Operation) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(op.Kind))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(op.Pool)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(op.SQL)
	for _, a := range op.Args {
		_, _ = h.WriteString("\x00")
		_, _ = fmt.Fprintf(h, "%T:%v", a, a)
	}
	return cacheKeyPrefix + strconv.FormatUint(h.Sum64(), 16)
}

type cachedResult struct {
	Found   bool
	Columns []string
	Values  []any
	Value   any
}

func encodeResult(op *core.Operation, res *core.Result) ([]byte, error) {
	var c cachedResult
	switch op.Kind {
	case core.OpFetch:
		if res.Row != nil {
			c.Found = true
			c.Columns = res.Row.Keys()
			c.Values = res.Row.Values()
		}
	case core.OpEvaluate:
		c.Found = res.Value != nil
		c.Value = res.Value
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResult(op *core.Operation, data []byte) (*core.Result, error) {
	var c cachedResult
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, err
	}
	res := &core.Result{}
	if !c.Found {
		return res, nil
	}
	if op.Kind == core.OpEvaluate {
		res.Value = c.Value
		return res, nil
	}
	row := core.NewRow(c.Columns, c.Values)
	if op.Entity != nil {
		inst, err := op.Entity.NewInstance(row)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			inst.MarkClean()
		}
		row.Instance = inst
	}
	res.Row = row
	return res, nil
}
