package messaging

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{name: "nil headers", headers: nil, want: 0},
		{name: "own counter", headers: amqp.Table{headerRetryCount: int32(2)}, want: 2},
		{name: "broker dead-letter count", headers: amqp.Table{
			"x-death": []interface{}{amqp.Table{"count": int64(1)}},
		}, want: 1},
		{name: "both add up", headers: amqp.Table{
			headerRetryCount: int64(1),
			"x-death":        []interface{}{amqp.Table{"count": int64(1)}},
		}, want: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryCount(tc.headers))
		})
	}
}

func TestWithRetry(t *testing.T) {
	orig := amqp.Table{"traceparent": "00-abc", "x-death": []interface{}{}}

	next := withRetry(orig, 1)

	assert.Equal(t, int32(2), next[headerRetryCount])
	assert.Equal(t, "00-abc", next["traceparent"])
	assert.NotContains(t, next, "x-death")
	assert.NotContains(t, orig, headerRetryCount, "original headers untouched")
}

func TestRequeuedMessageIsEventuallyParked(t *testing.T) {
	infra := assert.AnError
	headers := amqp.Table{}

	var got []Disposition
	for i := 0; i < 5; i++ {
		d := DispositionFor(infra, retryCount(headers))
		got = append(got, d)
		if d != Requeue {
			break
		}
		headers = withRetry(headers, retryCount(headers))
	}

	assert.Equal(t, []Disposition{Requeue, Requeue, Requeue, DeadLetter}, got)
}

func TestDispositionFor(t *testing.T) {
	assert.Equal(t, Ack, DispositionFor(nil, 5))
	assert.Equal(t, Requeue, DispositionFor(errors.ConcurrencyConflict(""), 0))
	assert.Equal(t, DeadLetter, DispositionFor(errors.InsufficientStock("P1", 5, 2), 0))
}

func TestTraceContextRoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := amqp.Table{}
	prop.Inject(ctx, headerCarrier(headers))
	require.Contains(t, headers, "traceparent")

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), headerCarrier(headers)))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
}
