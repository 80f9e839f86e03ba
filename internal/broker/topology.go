package broker

import (
	"fmt"

	"github.com/ent0n29/jarvis/internal/protocol"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Binding struct {
	Queue string
	Key   string
}

// Topology lists the exchange, durable queues and bindings the pipeline uses.
type Topology struct {
	Exchange string
	Queues   []string
	Bindings []Binding
}

// DefaultTopology returns the pipeline topology on the given topic exchange.
func DefaultTopology(exchange, eventsQueue string) Topology {
	if eventsQueue == "" {
		eventsQueue = protocol.QueueOrchestratorEvents
	}
	return Topology{
		Exchange: exchange,
		Queues: []string{
			protocol.QueueSTTJobs,
			protocol.QueueTTSJobs,
			eventsQueue,
			protocol.QueueSTTRPC,
			protocol.QueueTTSRPC,
			protocol.QueueGraphBuilder,
		},
		Bindings: []Binding{
			{Queue: protocol.QueueSTTJobs, Key: protocol.KeySTTRequested},
			{Queue: protocol.QueueTTSJobs, Key: protocol.KeyTTSRequested},
			{Queue: eventsQueue, Key: protocol.KeySTTCompleted},
			{Queue: eventsQueue, Key: protocol.KeySTTFailed},
			{Queue: eventsQueue, Key: protocol.KeyTTSCompleted},
			{Queue: eventsQueue, Key: protocol.KeyTTSFailed},
			{Queue: protocol.QueueGraphBuilder, Key: protocol.KeyConversationTurn},
		},
	}
}

// DeclareTopology creates the exchange, queues and bindings. Declarations are
// idempotent so it is safe to call on every start.
func (c *Client) DeclareTopology(t Topology) error {
	if err := c.ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	for _, q := range t.Queues {
		if _, err := c.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	for _, b := range t.Bindings {
		if err := c.ch.QueueBind(b.Queue, b.Key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.Queue, b.Key, err)
		}
	}
	c.log.Info().Str("exchange", t.Exchange).Int("queues", len(t.Queues)).Int("bindings", len(t.Bindings)).Msg("broker topology declared")
	return nil
}
