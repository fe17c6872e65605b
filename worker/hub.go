package worker

import (
	"sync"

	"reachflow/outreach"
)

// ProgressHub fans pass results out to websocket subscribers. Slow
// subscribers drop updates instead of blocking the worker.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[chan outreach.PassResult]struct{}
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[chan outreach.PassResult]struct{})}
}

func (h *ProgressHub) Subscribe() chan outreach.PassResult {
	ch := make(chan outreach.PassResult, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *ProgressHub) Unsubscribe(ch chan outreach.PassResult) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *ProgressHub) Publish(result outreach.PassResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- result:
		default:
		}
	}
}
