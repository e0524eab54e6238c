package provisioning

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/tap-wallet/internal/model"
)

// Event is one session state transition.
type Event struct {
	SessionID uuid.UUID
	From      model.SessionState
	To        model.SessionState
	At        time.Time
	Err       error // cause for FAILED and ABORTED
}

// subscriber queues events without bound so publishers never block.
type subscriber struct {
	ch     chan Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]*subscriber{}
	}
	id := h.next
	h.next++
	s := newSubscriber()
	h.subs[id] = s
	return s.ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.stop()
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.push(ev)
	}
}
