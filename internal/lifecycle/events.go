package lifecycle

import (
	"sync"

	"github.com/fslongjin/sandboxd/pkg/model"
)

const defaultSubscriberBuffer = 64

// EventHub fans lifecycle transitions out to subscribers. A subscriber that
// does not keep up loses events rather than blocking the lifecycle.
type EventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan model.StatusTransition
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]chan model.StatusTransition)}
}

// Subscribe returns a channel of transitions and a cancel func that closes it.
func (h *EventHub) Subscribe(buffer int) (<-chan model.StatusTransition, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan model.StatusTransition, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) Publish(ev model.StatusTransition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
