package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	exchanges []string
	queues    []string
	bindings  []Binding
	qos       int
	ops       []string
	exclusive map[string]bool
	published []published
	consumers map[string]chan amqp.Delivery
	notify    []chan *amqp.Error
	closed    bool

	onPublish func(f *fakeChannel, p published)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{consumers: make(map[string]chan amqp.Delivery), exclusive: make(map[string]bool)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		name = "amq.gen-reply"
	}
	f.queues = append(f.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, Binding{Queue: name, Key: key})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetchCount
	f.ops = append(f.ops, fmt.Sprintf("qos:%d", prefetchCount))
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	f.ops = append(f.ops, "consume:"+queue)
	f.exclusive[queue] = exclusive
	f.mu.Unlock()
	return f.queue(queue), nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p := published{exchange: exchange, key: key, msg: msg}
	f.mu.Lock()
	f.published = append(f.published, p)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(f, p)
	}
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeChannel) Close() error {
	f.fail(nil)
	return nil
}

// fail simulates the server closing the channel.
func (f *fakeChannel) fail(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, n := range f.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

func (f *fakeChannel) queue(name string) chan amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.consumers[name]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		f.consumers[name] = ch
	}
	return ch
}

func (f *fakeChannel) publishedTo(key string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

type fakeAck struct {
	mu     sync.Mutex
	acks   []uint64
	nacks  map[uint64]bool
	reject []uint64
}

func newFakeAck() *fakeAck {
	return &fakeAck{nacks: make(map[uint64]bool)}
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks[tag] = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reject = append(a.reject, tag)
	return nil
}

func (a *fakeAck) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.nacks) + len(a.reject)
}
