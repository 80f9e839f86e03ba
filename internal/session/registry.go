package session

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	ch             Channel
	sendMu         sync.Mutex
	registeredAt   time.Time
	lastActivityAt time.Time
}

// Registry maps job ids to client channels. At most one channel is held per id.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	idleTimeout time.Duration
	onCount     func(int)
	onExpire    func(id string)
}

func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Registry{
		entries:     make(map[string]*entry),
		idleTimeout: idleTimeout,
	}
}

// SetCountHook is called with the entry count after every change.
func (r *Registry) SetCountHook(hook func(int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCount = hook
}

func (r *Registry) SetExpireHook(hook func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register binds ch to id. A previous channel for the same id is replaced and closed.
func (r *Registry) Register(id string, ch Channel) {
	now := time.Now().UTC()
	r.mu.Lock()
	prev := r.entries[id]
	r.entries[id] = &entry{ch: ch, registeredAt: now, lastActivityAt: now}
	count, hook := len(r.entries), r.onCount
	r.mu.Unlock()

	if prev != nil && prev.ch != ch {
		_ = prev.ch.Close()
	}
	if hook != nil {
		hook(count)
	}
}

// Deliver sends msg to the channel registered for id. It returns false when no
// client is registered or the send fails; neither is an error for the caller.
func (r *Registry) Deliver(id string, msg Message) bool {
	var (
		e     *entry
		count int
		hook  func(int)
	)
	r.mu.Lock()
	e = r.entries[id]
	if e != nil && msg.Final {
		delete(r.entries, id)
	}
	count, hook = len(r.entries), r.onCount
	r.mu.Unlock()
	if e == nil {
		return false
	}
	if msg.Final && hook != nil {
		hook(count)
	}

	e.sendMu.Lock()
	var err error
	if msg.Binary != nil {
		err = e.ch.SendBinary(msg.Binary)
	} else {
		err = e.ch.SendJSON(msg.JSON)
	}
	e.sendMu.Unlock()

	if msg.Final {
		_ = e.ch.Close()
		return err == nil
	}
	if err != nil {
		r.Unregister(id, e.ch)
		_ = e.ch.Close()
		return false
	}
	r.touchEntry(id, e)
	return true
}

// Remove drops the entry for id and closes its channel.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e := r.entries[id]
	delete(r.entries, id)
	count, hook := len(r.entries), r.onCount
	r.mu.Unlock()
	if e == nil {
		return
	}
	_ = e.ch.Close()
	if hook != nil {
		hook(count)
	}
}

// Unregister drops the entry for id only if it still holds ch. The caller owns
// closing ch; this is the disconnect path of a connection handler.
func (r *Registry) Unregister(id string, ch Channel) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.ch != ch {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	count, hook := len(r.entries), r.onCount
	r.mu.Unlock()
	if hook != nil {
		hook(count)
	}
	return true
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Touch marks the entry for id as active.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.lastActivityAt = time.Now().UTC()
	}
}

func (r *Registry) touchEntry(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok && cur == e {
		e.lastActivityAt = time.Now().UTC()
	}
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle(time.Now().UTC())
			}
		}
	}()
}

// CloseAll closes every registered channel; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	hook := r.onCount
	r.mu.Unlock()
	for _, e := range entries {
		_ = e.ch.Close()
	}
	if hook != nil {
		hook(0)
	}
}

func (r *Registry) expireIdle(now time.Time) {
	var expired []string
	var closing []Channel

	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.lastActivityAt) < r.idleTimeout {
			continue
		}
		delete(r.entries, id)
		expired = append(expired, id)
		closing = append(closing, e.ch)
	}
	count, onCount, onExpire := len(r.entries), r.onCount, r.onExpire
	r.mu.Unlock()

	for _, ch := range closing {
		_ = ch.Close()
	}
	if len(expired) > 0 && onCount != nil {
		onCount(count)
	}
	if onExpire != nil {
		for _, id := range expired {
			onExpire(id)
		}
	}
}
