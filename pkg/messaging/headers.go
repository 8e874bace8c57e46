package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// headerRetryCount counts in-band redeliveries made by the consumer itself.
// x-death only grows when the broker dead-letters a message.
const headerRetryCount = "x-retry-count"

// headerCarrier lets the otel propagator read and write AMQP headers
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// injectTrace writes the span context of ctx into headers
func injectTrace(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))
}

// extractTrace returns ctx with the remote span context carried by headers
func extractTrace(ctx context.Context, headers amqp.Table) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(headers))
}

// retryCount is the number of earlier delivery attempts: the consumer's own
// requeues plus broker dead-letter round trips.
func retryCount(headers amqp.Table) int {
	n := 0
	switch v := headers[headerRetryCount].(type) {
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case int:
		n = v
	}

	if deaths, ok := headers["x-death"].([]interface{}); ok {
		for _, death := range deaths {
			if d, ok := death.(amqp.Table); ok {
				if count, ok := d["count"].(int64); ok {
					n += int(count)
				}
			}
		}
	}
	return n
}

// withRetry copies headers and bumps the requeue counter
func withRetry(headers amqp.Table, attempts int) amqp.Table {
	next := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		if k == "x-death" {
			continue
		}
		next[k] = v
	}
	next[headerRetryCount] = int32(attempts + 1)
	return next
}
