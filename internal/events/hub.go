package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher is what producers depend on. Publish must never block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// AdminRoom receives every event regardless of session or tenant.
const AdminRoom = "admin"

func SessionRoom(id string) string { return "session:" + id }
func TenantRoom(id string) string  { return "tenant:" + id }

const defaultBuffer = 64

// Subscription is one consumer attached to a set of rooms.
type Subscription struct {
	ID    string
	C     <-chan Event
	ch    chan Event
	rooms []string

	dropped atomic.Int64
	closed  bool
}

// Dropped is the number of events skipped because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub fans events out to room subscribers.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	log    *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
		log:    log.WithField("component", "hub"),
	}
}

// Subscribe attaches a new consumer to rooms. A subscription that lists
// overlapping rooms still receives each event once.
func (h *Hub) Subscribe(rooms ...string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, rooms: rooms}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	for _, r := range rooms {
		set, ok := h.rooms[r]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.rooms[r] = set
		}
		set[sub] = struct{}{}
	}
	h.log.WithFields(logrus.Fields{"sub": sub.ID, "rooms": rooms}).Debug("[hub] subscribed")
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	for _, r := range sub.rooms {
		if set, ok := h.rooms[r]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.rooms, r)
			}
		}
	}
	sub.closed = true
	close(sub.ch)
}

// Publish delivers e to the session room, the tenant room and the admin
// room. Subscribers whose buffer is full miss the event.
func (h *Hub) Publish(e Event) {
	targets := []string{SessionRoom(e.SessionID), AdminRoom}
	if e.TenantID != "" {
		targets = append(targets, TenantRoom(e.TenantID))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	seen := make(map[*Subscription]struct{})
	for _, r := range targets {
		for sub := range h.rooms[r] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			select {
			case sub.ch <- e:
			default:
				if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
					h.log.WithFields(logrus.Fields{
						"sub":     sub.ID,
						"kind":    e.Kind(),
						"session": e.SessionID,
						"dropped": n,
					}).Warn("[hub] subscriber too slow, dropping events")
				}
			}
		}
	}
}

// Subscribers counts distinct subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Subscription]struct{})
	for _, set := range h.rooms {
		for s := range set {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// Close detaches every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.rooms {
		for sub := range set {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	h.rooms = make(map[string]map[*Subscription]struct{})
}
