// Package events broadcasts engine events to independent subscribers.
//
// Every subscription has its own ordered stream. Publish never blocks and
// never drops: events queue per subscriber until the subscriber reads them
// or unsubscribes.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/domain/diagnostic"
)

// Event names.
const (
	ProfileReloaded = "profile.reloaded"
	ProfileFailed   = "profile.failed"
	MacroStarted    = "macro.started"
	MacroCompleted  = "macro.completed"
	MacroFailed     = "macro.failed"
	ScriptCompleted = "script.completed"
	ScriptFailed    = "script.failed"
)

// Event represents a published event.
type Event struct {
	// Name is the event name (e.g., "profile.reloaded", "macro.started").
	Name string
	At   time.Time

	// Profile events.
	Trigger     string
	Generation  uint64
	SourceHash  uint64
	Macros      int
	Diagnostics diagnostic.List

	// Execution events.
	Macro  string
	Script string

	// Err is set for failure events.
	Err error
}

// Bus is a publish/subscribe event bus with per-subscriber queues.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe returns a stream of events matching pattern.
// Supports wildcard subscriptions:
//   - "profile.reloaded" - exact match
//   - "profile.*" - all profile events
//   - "*" - all events
//
// Subscribing to a closed bus returns an already finished stream.
func (b *Bus) Subscribe(pattern string) *Subscription {
	s := &Subscription{
		pattern: pattern,
		ch:      make(chan Event),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		bus:     b,
	}
	go s.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.finish()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish queues an event for every matching subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.logger.Debug().
		Str("event", event.Name).
		Uint64("generation", event.Generation).
		Msg("event emitted")

	for s := range b.subs {
		if matches(s.pattern, event.Name) {
			s.enqueue(event)
		}
	}
}

// HasSubscribers checks if any subscription matches an event name.
func (b *Bus) HasSubscribers(event string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if matches(s.pattern, event) {
			return true
		}
	}
	return false
}

// Close ends every stream after its queued events are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	b.subs = nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// matches reports whether pattern selects the event name.
func matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	parts := splitEvent(name)
	return len(parts) > 0 && pattern == parts[0]+".*"
}

// splitEvent splits an event name by "."
func splitEvent(name string) []string {
	var parts []string
	start := 0
	for i, c := range name {
		if c == '.' {
			parts = append(parts, name[start:i])
			start = i + 1
		}
	}
	if start < len(name) {
		parts = append(parts, name[start:])
	}
	return parts
}

// Subscription is one subscriber's ordered event stream.
type Subscription struct {
	pattern string
	ch      chan Event
	wake    chan struct{}
	done    chan struct{}
	bus     *Bus

	mu      sync.Mutex
	queue   []Event
	ending  bool
	stopped sync.Once
}

// C returns the event stream. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes and discards undelivered events.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stopped.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

// finish closes the stream once the queue drains.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}
