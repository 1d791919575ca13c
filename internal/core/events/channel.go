package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is one of the closed set of event categories a synchronized object
// can emit locally.
type Kind string

const (
	Ready   Kind = "ready"
	Value   Kind = "value"
	Changed Kind = "changed"
	Added   Kind = "added"
	Moved   Kind = "moved"
	Removed Kind = "removed"
)

// Kinds lists every event kind, in a stable order.
func Kinds() []Kind {
	return []Kind{Ready, Value, Changed, Added, Moved, Removed}
}

// Event is a single delivery: the emitting object plus kind-specific details.
type Event struct {
	Kind    Kind
	Object  any
	Details []any
	At      time.Time
}

// Handler consumes one event delivery.
type Handler func(Event)

// Subscription is a handle on one registered listener.
type Subscription interface {
	ID() string
	Kind() Kind
	Active() bool
	Cancel()
}

type subscription struct {
	id      string
	kind    Kind
	handler Handler
	once    bool
	done    chan Event
	active  bool
	cancel  func()
}

func (s *subscription) ID() string   { return s.id }
func (s *subscription) Kind() Kind   { return s.kind }
func (s *subscription) Active() bool { return s.active }
func (s *subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Channel is a typed publish/subscribe hub with per-kind listener lists.
// Listeners are delivered in registration order, and the count of active
// listeners per kind is observable, which is what the synchronized object's
// reference-counted remote callback management is built on.
type Channel struct {
	mu        sync.Mutex
	listeners map[Kind][]*subscription
}

// NewChannel creates an empty Channel.
func NewChannel() *Channel {
	return &Channel{listeners: make(map[Kind][]*subscription)}
}

// On registers handler for kind and returns its subscription handle.
func (c *Channel) On(kind Kind, handler Handler) Subscription {
	return c.register(kind, handler, false)
}

// Once registers a one-shot listener for kind. The subscription cancels
// itself after its first delivery; the returned channel resolves with the
// delivered event. A nil handler is allowed when only the channel is wanted.
func (c *Channel) Once(kind Kind, handler Handler) (Subscription, <-chan Event) {
	sub := c.register(kind, handler, true)
	return sub, sub.(*subscription).done
}

func (c *Channel) register(kind Kind, handler Handler, once bool) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &subscription{
		id:      uuid.NewString(),
		kind:    kind,
		handler: handler,
		once:    once,
		active:  true,
	}
	if once {
		s.done = make(chan Event, 1)
	}
	s.cancel = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.removeLocked(s)
	}
	c.listeners[kind] = append(c.listeners[kind], s)
	return s
}

func (c *Channel) removeLocked(s *subscription) {
	if !s.active {
		return
	}
	s.active = false
	subs := c.listeners[s.kind]
	for i, existing := range subs {
		if existing == s {
			c.listeners[s.kind] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Emit delivers an event for kind to every active listener, in registration
// order. One-shot listeners are cancelled before their handler runs, so a
// re-emission from inside the handler cannot reach them again.
func (c *Channel) Emit(kind Kind, object any, details ...any) {
	ev := Event{Kind: kind, Object: object, Details: details, At: time.Now()}

	c.mu.Lock()
	subs := make([]*subscription, len(c.listeners[kind]))
	copy(subs, c.listeners[kind])
	c.mu.Unlock()

	for _, s := range subs {
		c.mu.Lock()
		active := s.active
		if active && s.once {
			c.removeLocked(s)
		}
		c.mu.Unlock()
		if !active {
			continue
		}
		if s.handler != nil {
			s.handler(ev)
		}
		if s.done != nil {
			s.done <- ev
		}
	}
}

// Deliver hands a pre-built event to kind listeners. Used when replaying a
// stored event, such as the immediate ready delivery for late subscribers.
func (c *Channel) Deliver(s Subscription, ev Event) {
	sub, ok := s.(*subscription)
	if !ok {
		return
	}
	c.mu.Lock()
	active := sub.active
	if active && sub.once {
		c.removeLocked(sub)
	}
	c.mu.Unlock()
	if !active {
		return
	}
	if sub.handler != nil {
		sub.handler(ev)
	}
	if sub.done != nil {
		sub.done <- ev
	}
}

// ListenerCount returns the number of active listeners for kind.
func (c *Channel) ListenerCount(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[kind])
}

// TotalListeners returns the number of active listeners across all kinds.
func (c *Channel) TotalListeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, subs := range c.listeners {
		total += len(subs)
	}
	return total
}

// Reset cancels every listener.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, subs := range c.listeners {
		for _, s := range subs {
			s.active = false
		}
		delete(c.listeners, kind)
	}
}
