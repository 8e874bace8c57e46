package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// maxDeliveries is the number of failed attempts after which a message is parked
const maxDeliveries = 3

// MessageHandler is a function that handles a message.
// Returning a non-retryable *errors.AppError parks the message in the DLQ; handlers that
// want to acknowledge a business rejection should report it and return nil.
type MessageHandler func(ctx context.Context, event *Event) error

// Disposition is what the consumer does with a delivery after its handler ran
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// DispositionFor maps a handler result to a delivery outcome.
// Errors that are not AppErrors are treated as infrastructure failures and retried.
func DispositionFor(err error, attempts int) Disposition {
	if err == nil {
		return Ack
	}
	if attempts >= maxDeliveries {
		return DeadLetter
	}

	var appErr *errors.AppError
	if errors.As(err, &appErr) && !appErr.Retryable {
		return DeadLetter
	}
	return Requeue
}

// Consumer handles consuming events from RabbitMQ
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	handlers  map[string]MessageHandler
	logger    *logger.Logger
}

// NewConsumer creates a new consumer for the given queue
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	if _, err := rmq.DeclareQueue(queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	return &Consumer{
		rmq:       rmq,
		queueName: queueName,
		handlers:  make(map[string]MessageHandler),
		logger:    log,
	}, nil
}

// Subscribe subscribes to an exchange with a routing key pattern
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.rmq.BindQueue(c.queueName, exchange, routingKeyPattern); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")

	return nil
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start consumes the queue with manual acks until ctx is done or the channel
// closes. Watch calls it again on a fresh channel after a reconnect.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.rmq.Channel().Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn().Str("queue", c.queueName).Msg("message channel closed")
					return
				}
				c.handleMessage(ctx, msg)
			}
		}
	}()

	return nil
}

// Dispatch runs the registered handler for event and returns its error.
// Unknown event types are ignored.
func (c *Consumer) Dispatch(ctx context.Context, event *Event) error {
	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().
			Str("event_type", event.Type).
			Msg("no handler registered for event type")
		return nil
	}

	ctx = WithCorrelationID(ctx, event.CorrelationID)
	if event.TenantID != "" {
		ctx = tenant.WithTenantID(ctx, event.TenantID)
	}

	c.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("processing event")

	return handler(ctx, event)
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	var event Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Error().Err(err).Str("queue", c.queueName).Msg("undecodable message, sending to DLQ")
		msg.Reject(false)
		return
	}

	err := c.Dispatch(extractTrace(ctx, msg.Headers), &event)
	attempts := retryCount(msg.Headers)
	disposition := DispositionFor(err, attempts)

	if disposition != Ack {
		c.logger.Warn().
			Err(err).
			Str("event_type", event.Type).
			Str("event_id", event.ID).
			Int("retry_count", attempts).
			Stringer("disposition", disposition).
			Msg("event failed")
	}

	switch disposition {
	case Ack:
		msg.Ack(false)
	case Requeue:
		c.requeue(ctx, msg, attempts)
	case DeadLetter:
		msg.Reject(false)
	}
}

// requeue puts msg back at the tail of its queue with the attempt counter
// bumped, so DispositionFor eventually parks a message that keeps failing.
// If the copy cannot be published the broker requeues the original instead.
func (c *Consumer) requeue(ctx context.Context, msg amqp.Delivery, attempts int) {
	err := c.rmq.Channel().PublishWithContext(ctx, "", c.queueName, false, false, amqp.Publishing{
		Headers:       withRetry(msg.Headers, attempts),
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		AppId:         msg.AppId,
		Body:          msg.Body,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("queue", c.queueName).Msg("failed to requeue event copy")
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
