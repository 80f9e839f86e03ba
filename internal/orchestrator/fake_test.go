package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/jarvis/internal/broker"
	"github.com/ent0n29/jarvis/internal/llm"
)

type published struct {
	key     string
	body    []byte
	headers map[string]any
}

type subscription struct {
	queue     string
	exclusive bool
}

type fakeBroker struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []published
	subscribed []subscription

	callReply []byte
	callOK    bool
	callErr   error
	calls     [][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: true}
}

func (b *fakeBroker) Publish(_ context.Context, key string, body []byte, opts ...broker.PublishOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	cfg := broker.ApplyPublishOptions(opts)
	b.published = append(b.published, published{key: key, body: body, headers: cfg.Headers})
	return nil
}

func (b *fakeBroker) Call(_ context.Context, _ string, body []byte, _ time.Duration) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, body)
	return b.callReply, b.callOK, b.callErr
}

func (b *fakeBroker) Subscribe(ctx context.Context, queue string, _ int, _ broker.Handler, opts ...broker.SubscribeOption) error {
	b.mu.Lock()
	b.subscribed = append(b.subscribed, subscription{queue: queue, exclusive: broker.ApplySubscribeOptions(opts).Exclusive})
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *fakeBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) sent(key string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.published {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

type fakeConn struct {
	mu     sync.Mutex
	json   []any
	binary [][]byte
	closed bool
}

func (c *fakeConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.json = append(c.json, v)
	return nil
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.binary = append(c.binary, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// jsonFrames re-encodes every JSON frame into a generic map.
func (c *fakeConn) jsonFrames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.json))
	for _, v := range c.json {
		raw, _ := json.Marshal(v)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

// scriptedModel returns its replies in order, repeating the last one.
type scriptedModel struct {
	mu      sync.Mutex
	replies []llm.Message
	err     error
	seen    [][]llm.Message
}

func (m *scriptedModel) Chat(_ context.Context, msgs []llm.Message, _ []llm.ToolSpec) (llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, append([]llm.Message(nil), msgs...))
	if m.err != nil {
		return llm.Message{}, m.err
	}
	i := len(m.seen) - 1
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return m.replies[i], nil
}
