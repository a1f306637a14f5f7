// Package relay implements the row store that carries presence, signaling
// envelopes and the channel log between radio nodes.
package relay

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Radio/internal/core"
	"github.com/rs/zerolog/log"
)

const (
	subStateOk int32 = iota
	subStateDelete
)

var errNilCallback = errors.New("relay: nil callback")

// subscriber delivers events to one callback, in publish order, on its own
// goroutine. The queue is unbounded so a slow callback never blocks writers.
type subscriber struct {
	id    uint64
	table core.Table
	mask  core.EventKind
	fn    func(core.Event)
	state int32 // accessed atomically (subStateOk/subStateDelete)

	mu    sync.Mutex
	queue []core.Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) enqueue(ev core.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				if atomic.LoadInt32(&s.state) == subStateDelete {
					return
				}
				s.fn(ev)
			}
		}
	}
}

func (s *subscriber) stop() {
	atomic.StoreInt32(&s.state, subStateDelete)
	s.once.Do(func() { close(s.done) })
}

// hub fans row events out to subscribers. Every driver owns one.
type hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*subscriber)}
}

func (h *hub) subscribe(table core.Table, mask core.EventKind, fn func(core.Event)) (core.Subscription, error) {
	if fn == nil {
		return nil, errNilCallback
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, core.ErrRelayClosed
	}
	h.nextID++
	s := &subscriber{
		id:    h.nextID,
		table: table,
		mask:  mask,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	h.subs[s.id] = s
	go s.loop()
	log.Debug().Str("module", "relay.hub").Str("table", string(table)).Uint64("sub", s.id).Msg("subscribed")
	return &subscription{h: h, s: s}, nil
}

func (h *hub) publish(ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if atomic.LoadInt32(&s.state) == subStateDelete {
			continue
		}
		if s.table != ev.Table || s.mask&ev.Kind == 0 {
			continue
		}
		s.enqueue(ev)
	}
}

func (h *hub) remove(s *subscriber) {
	s.stop()
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
}

// close stops every subscriber. Later subscribes fail.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		s.stop()
		delete(h.subs, id)
	}
}

type subscription struct {
	h *hub
	s *subscriber
}

func (sub *subscription) Unsubscribe() {
	sub.h.remove(sub.s)
}
