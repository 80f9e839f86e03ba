package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/jarvis/internal/observability"
	"github.com/ent0n29/jarvis/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("broker not connected")

const defaultRPCTimeout = 60 * time.Second

type Options struct {
	Exchange   string
	RPCTimeout time.Duration
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
}

// Client is safe for concurrent use.
type Client struct {
	ch       Channel
	conn     io.Closer
	exchange string
	timeout  time.Duration
	log      zerolog.Logger
	metrics  *observability.Metrics

	connected atomic.Bool
	waiters   *waiters

	// consumeMu pairs each Qos with the Consume it is meant for. Prefetch is
	// per channel and applies to consumers started after it is set.
	consumeMu sync.Mutex

	replyMu    sync.Mutex
	replyQueue string

	closeOnce sync.Once
}

// New wraps an open channel.
func New(ch Channel, opts Options) *Client {
	timeout := opts.RPCTimeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	c := &Client{
		ch:       ch,
		exchange: opts.Exchange,
		timeout:  timeout,
		log:      opts.Logger.With().Str("component", "broker").Logger(),
		metrics:  opts.Metrics,
		waiters:  newWaiters(),
	}
	c.connected.Store(true)
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			c.log.Error().Err(err).Msg("broker channel closed")
		}
		c.connected.Store(false)
	}()
	return c
}

// Dial connects to url, retrying with capped backoff up to attempts times.
func Dial(ctx context.Context, url string, attempts int, opts Options) (*Client, error) {
	log := opts.Logger.With().Str("component", "broker").Logger()
	var (
		conn *amqp.Connection
		ch   *amqp.Channel
	)
	err := reliability.Retry(ctx, attempts, 500*time.Millisecond, 10*time.Second,
		func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).Msg("broker connect failed")
		},
		func(context.Context) error {
			var err error
			conn, err = amqp.Dial(url)
			if err != nil {
				return err
			}
			ch, err = conn.Channel()
			if err != nil {
				_ = conn.Close()
				return err
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	c := New(ch, opts)
	c.conn = conn
	log.Info().Msg("broker connected")
	return c, nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// PublishConfig is the effective set of publish options.
type PublishConfig struct {
	Headers       map[string]any
	ContentType   string
	CorrelationID string
}

type PublishOption func(*PublishConfig)

// ApplyPublishOptions resolves opts over the defaults.
func ApplyPublishOptions(opts []PublishOption) PublishConfig {
	cfg := PublishConfig{ContentType: "application/json"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithHeaders(headers map[string]any) PublishOption {
	return func(p *PublishConfig) {
		p.Headers = headers
	}
}

func WithContentType(contentType string) PublishOption {
	return func(p *PublishConfig) {
		p.ContentType = contentType
	}
}

func WithCorrelationID(id string) PublishOption {
	return func(p *PublishConfig) {
		p.CorrelationID = id
	}
}

// Publish sends a persistent message to the events exchange under routingKey.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, opts ...PublishOption) error {
	err := c.publish(ctx, c.exchange, routingKey, body, "", opts)
	c.metrics.ObservePublish(routingKey, err)
	return err
}

// PublishQueue sends a persistent message directly to a named queue.
func (c *Client) PublishQueue(ctx context.Context, queue string, body []byte, opts ...PublishOption) error {
	err := c.publish(ctx, "", queue, body, "", opts)
	c.metrics.ObservePublish(queue, err)
	return err
}

// Reply answers an RPC request on its reply_to queue.
func (c *Client) Reply(ctx context.Context, req Delivery, body []byte, opts ...PublishOption) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("reply: request has no reply_to")
	}
	opts = append(opts, WithCorrelationID(req.CorrelationID))
	return c.publish(ctx, "", req.ReplyTo, body, "", opts)
}

func (c *Client) publish(ctx context.Context, exchange, key string, body []byte, replyTo string, opts []PublishOption) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	cfg := ApplyPublishOptions(opts)
	msg := amqp.Publishing{
		Headers:       amqp.Table(cfg.Headers),
		ContentType:   cfg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: cfg.CorrelationID,
		ReplyTo:       replyTo,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
	if err := c.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Call publishes body to queue with a fresh correlation token and waits for
// the matching reply. A timeout is not an error: it returns (nil, false, nil).
// A non-positive timeout uses the client default.
func (c *Client) Call(ctx context.Context, queue string, body []byte, timeout time.Duration) ([]byte, bool, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	replyTo, err := c.ensureReplyQueue()
	if err != nil {
		c.metrics.ObserveRPC(queue, "error")
		return nil, false, err
	}

	token := uuid.NewString()
	slot := c.waiters.register(token)
	defer c.waiters.cancel(token)

	if err := c.publish(ctx, "", queue, body, replyTo, []PublishOption{WithCorrelationID(token)}); err != nil {
		c.metrics.ObserveRPC(queue, "error")
		return nil, false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-slot:
		c.metrics.ObserveRPC(queue, "reply")
		return reply, true, nil
	case <-timer.C:
		c.metrics.ObserveRPC(queue, "timeout")
		c.log.Warn().Str("queue", queue).Dur("timeout", timeout).Msg("rpc call timed out")
		return nil, false, nil
	case <-ctx.Done():
		c.metrics.ObserveRPC(queue, "error")
		return nil, false, ctx.Err()
	}
}

// ensureReplyQueue lazily declares the exclusive reply queue and starts its consumer.
func (c *Client) ensureReplyQueue() (string, error) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	if c.replyQueue != "" {
		return c.replyQueue, nil
	}
	if !c.Connected() {
		return "", ErrNotConnected
	}
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare reply queue: %w", err)
	}
	replies, err := c.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("consume reply queue: %w", err)
	}
	go c.drainReplies(replies)
	c.replyQueue = q.Name
	return q.Name, nil
}

func (c *Client) drainReplies(replies <-chan amqp.Delivery) {
	for d := range replies {
		if !c.waiters.resolve(d.CorrelationId, d.Body) {
			c.log.Debug().Str("correlation_id", d.CorrelationId).Msg("dropping reply with unknown correlation id")
		}
	}
	c.replyMu.Lock()
	c.replyQueue = ""
	c.replyMu.Unlock()
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		err = c.ch.Close()
		if c.conn != nil {
			if cerr := c.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
