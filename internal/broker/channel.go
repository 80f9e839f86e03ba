// Package broker wraps an AMQP channel with the two messaging patterns the
// pipeline needs: correlated RPC over a private reply queue and durable
// publish/subscribe on a topic exchange.
package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by Client.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Delivery is a consumed message handed to a Handler.
type Delivery struct {
	RoutingKey    string
	Body          []byte
	Headers       map[string]any
	ContentType   string
	CorrelationID string
	ReplyTo       string
	Redelivered   bool
}

// Handler processes one delivery. A nil error acks the message; an error
// nacks it (requeued once, dropped when already redelivered).
type Handler func(ctx context.Context, d Delivery) error

func fromAMQP(d amqp.Delivery) Delivery {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return Delivery{
		RoutingKey:    d.RoutingKey,
		Body:          d.Body,
		Headers:       headers,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Redelivered:   d.Redelivered,
	}
}
