package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shrek82/jormpool/core"
)

const tracerName = "github.com/shrek82/jormpool"

type requestIDKey struct{}

// WithRequestID attaches a request id that tracing adds to every span.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// TracingMiddleware opens one OpenTelemetry span per operation.
type TracingMiddleware struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
	system   string
}

// NewTracing traces with tp, or with the global provider when tp is nil.
func NewTracing(tp trace.TracerProvider) *TracingMiddleware {
	return &TracingMiddleware{provider: tp}
}

func (m *TracingMiddleware) Name() string {
	return "Tracing"
}

func (m *TracingMiddleware) Init(db *core.Database) error {
	tp := m.provider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m.tracer = tp.Tracer(tracerName)
	m.system = db.Profile().Name
	return nil
}

func (m *TracingMiddleware) Shutdown() error {
	return nil
}

func (m *TracingMiddleware) Process(ctx context.Context, op *core.Operation, next core.QueryFunc) (*core.Result, error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", m.system),
		attribute.String("db.operation", string(op.Kind)),
		attribute.String("db.statement", op.SQL),
		attribute.String("jormpool.pool", op.Pool),
	}
	if op.Entity != nil {
		attrs = append(attrs, attribute.String("jormpool.entity", op.Entity.Name()))
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		attrs = append(attrs, attribute.String("request_id", id))
	}

	ctx, span := m.tracer.Start(ctx, "jormpool."+string(op.Kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	res, err := next(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if op.Kind == core.OpUpdate && res != nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", res.RowsAffected))
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}
