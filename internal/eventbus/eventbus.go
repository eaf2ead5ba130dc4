// Package eventbus delivers domain events to per-subject subscribers. The
// gateway subscribes connection callbacks here; the REST service and the
// gateway's own presence handler publish into it.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/riftchat/rift/internal/snowflake"
)

// Event is one domain event about a subject user.
type Event struct {
	// Type is the dispatch event name, e.g. "PRESENCE_UPDATE".
	Type string
	// Subject is the user the event is about.
	Subject snowflake.ID
	// Data is the event body, already in wire shape.
	Data any
}

// Handler consumes one event. Handlers must not block; slow consumers
// should hand off to their own queue.
type Handler func(Event)

// Subscription is a live binding of a handler to a subject. Cancel is
// idempotent.
type Subscription struct {
	id      string
	subject snowflake.ID
	bus     *Bus
	once    sync.Once
}

// Subject returns the user this subscription listens for.
func (s *Subscription) Subject() snowflake.ID {
	return s.subject
}

// Cancel releases the subscription. Calling Cancel more than once is a
// safe no-op.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.subject, s.id)
	})
}

// Bus is an in-process event bus. All methods are safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[snowflake.ID]map[string]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[snowflake.ID]map[string]Handler),
	}
}

// Listen registers a handler for events about the given subject.
//
// Precondition: fn must be non-nil.
// Postcondition: Returns a Subscription that delivers every subsequent
// publish for the subject until cancelled.
func (b *Bus) Listen(subject snowflake.ID, fn Handler) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("nil handler for subject %s", subject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[string]Handler)
	}
	b.handlers[subject][id] = fn

	return &Subscription{id: id, subject: subject, bus: b}, nil
}

// Publish delivers the event to every handler registered for its subject.
// Handlers run synchronously on the caller's goroutine.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	fns := make([]Handler, 0, len(b.handlers[evt.Subject]))
	for _, fn := range b.handlers[evt.Subject] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(evt)
	}
}

// SubscriberCount returns the number of live handlers for a subject.
func (b *Bus) SubscriberCount(subject snowflake.ID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[subject])
}

func (b *Bus) remove(subject snowflake.ID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fns, ok := b.handlers[subject]; ok {
		delete(fns, id)
		if len(fns) == 0 {
			delete(b.handlers, subject)
		}
	}
}
