package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscribe consumes queue with manual acknowledgements, running up to
// prefetch handlers concurrently. It blocks until ctx is done or the
// delivery channel closes, and waits for in-flight handlers before returning.
func (c *Client) Subscribe(ctx context.Context, queue string, prefetch int, handler Handler, opts ...SubscribeOption) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if prefetch < 1 {
		prefetch = 1
	}
	cfg := ApplySubscribeOptions(opts)
	deliveries, err := c.consume(queue, prefetch, cfg.Exclusive)
	if err != nil {
		return err
	}
	log := c.log.With().Str("queue", queue).Logger()
	log.Info().Int("prefetch", prefetch).Bool("exclusive", cfg.Exclusive).Msg("consumer started")

	var wg sync.WaitGroup
	defer wg.Wait()
	slots := make(chan struct{}, prefetch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer %s: %w", queue, ErrNotConnected)
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return nil
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-slots }()
				c.dispatch(ctx, d, handler)
			}(d)
		}
	}
}

type SubscribeConfig struct {
	Exclusive bool
}

type SubscribeOption func(*SubscribeConfig)

func ApplySubscribeOptions(opts []SubscribeOption) SubscribeConfig {
	var cfg SubscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Exclusive asks the server to refuse any other consumer on the queue. A
// second consumer fails with ACCESS_REFUSED, which closes the channel.
func Exclusive() SubscribeOption {
	return func(c *SubscribeConfig) { c.Exclusive = true }
}

func (c *Client) consume(queue string, prefetch int, exclusive bool) (<-chan amqp.Delivery, error) {
	c.consumeMu.Lock()
	defer c.consumeMu.Unlock()
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos on %s: %w", queue, err)
	}
	deliveries, err := c.ch.Consume(queue, "", false, exclusive, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

func (c *Client) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	err := c.safeHandle(ctx, fromAMQP(d), handler)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error().Err(ackErr).Str("routing_key", d.RoutingKey).Msg("ack failed")
		}
		c.metrics.ObserveConsumed(d.RoutingKey, "ack")
		return
	}
	requeue := !d.Redelivered
	c.log.Error().Err(err).Str("routing_key", d.RoutingKey).Bool("requeue", requeue).Msg("handler failed")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.log.Error().Err(nackErr).Str("routing_key", d.RoutingKey).Msg("nack failed")
	}
	if requeue {
		c.metrics.ObserveConsumed(d.RoutingKey, "requeue")
	} else {
		c.metrics.ObserveConsumed(d.RoutingKey, "drop")
	}
}

func (c *Client) safeHandle(ctx context.Context, d Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, d)
}
