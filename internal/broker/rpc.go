package broker

import "sync"

// waiters holds one pending reply slot per correlation token.
type waiters struct {
	mu    sync.Mutex
	slots map[string]chan []byte
}

func newWaiters() *waiters {
	return &waiters{slots: make(map[string]chan []byte)}
}

func (w *waiters) register(token string) <-chan []byte {
	slot := make(chan []byte, 1)
	w.mu.Lock()
	w.slots[token] = slot
	w.mu.Unlock()
	return slot
}

func (w *waiters) cancel(token string) {
	w.mu.Lock()
	delete(w.slots, token)
	w.mu.Unlock()
}

// resolve fulfils the slot for token. It reports false for unknown or
// already-fulfilled tokens.
func (w *waiters) resolve(token string, body []byte) bool {
	w.mu.Lock()
	slot, ok := w.slots[token]
	if ok {
		delete(w.slots, token)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	slot <- body
	return true
}

func (w *waiters) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}
