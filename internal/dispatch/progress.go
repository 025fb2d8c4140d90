package dispatch

import (
	"sync"

	"github.com/ignite/sms-dispatch/internal/domain"
)

// progressHub fans progress snapshots out to subscribers. The engine is the
// only publisher. Slow subscribers never block dispatch: when a subscriber's
// buffer is full the oldest snapshot is dropped so the latest wins.
type progressHub struct {
	mu     sync.Mutex
	subs   map[int]chan domain.SendProgress
	next   int
	buffer int
	closed bool
}

func newProgressHub(buffer int) *progressHub {
	if buffer < 1 {
		buffer = 1
	}
	return &progressHub{
		subs:   make(map[int]chan domain.SendProgress),
		buffer: buffer,
	}
}

// subscribe registers a snapshot channel. The channel closes when the batch
// reaches a terminal state; cancel detaches early.
func (h *progressHub) subscribe() (<-chan domain.SendProgress, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.SendProgress, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers a snapshot to every subscriber, dropping the oldest
// buffered snapshot for subscribers that have fallen behind.
func (h *progressHub) publish(p domain.SendProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// closeAll ends the stream for every subscriber. Further publishes are
// ignored; further subscribes get an already-closed channel.
func (h *progressHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
