// Package bus fans structured progress events out to per-session
// subscribers. Publishing never blocks: slow subscribers lose their oldest
// queued events, never the terminal one.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/session"
)

// EventType classifies a progress event.
type EventType string

const (
	EventProgress  EventType = "progress_update"
	EventThinking  EventType = "progress_thinking"
	EventSearching EventType = "progress_searching"
	EventComplete  EventType = "research_complete"
	EventError     EventType = "error"
)

// Terminal reports whether the type ends a session's stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// ErrorInfo carries the user-visible error on terminal error events.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one structured progress record.
type Event struct {
	SessionID string        `json:"session_id"`
	Type      EventType     `json:"type"`
	Stage     session.Stage `json:"stage"`
	Progress  int           `json:"progress"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"detail,omitempty"`
	Error     *ErrorInfo    `json:"error,omitempty"`
}

// DefaultCapacity is the subscriber buffer size when the caller passes none.
const DefaultCapacity = 64

// Subscription is one subscriber's bounded view of a session's stream.
type Subscription struct {
	sessionID string
	ch        chan Event

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// Events returns the receive channel. It is closed when the session's stream
// ends or the subscription is removed; buffered events remain readable.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// SessionID returns the session this subscription follows.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Dropped returns how many events were evicted from this subscriber's buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// push enqueues ev without ever blocking. On a full buffer the oldest queued
// event is evicted. The terminal event is always the last one published for a
// session, so eviction can never touch it.
func (s *Subscription) push(ev Event, m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			m.EventsDropped(1)
		default:
			// Consumer drained concurrently; retry the send.
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// topic is the per-session fan-out state. All mutation happens under mu, so
// every subscriber observes events in publish order.
type topic struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	last     *Event
	terminal *Event
	closed   bool
}

// Bus routes events between one engine and any number of subscribers.
type Bus struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[string]*topic
}

// New returns an empty bus.
func New(m *metrics.Metrics, logger logging.Logger) *Bus {
	return &Bus{
		logger:  logging.WithComponent(logging.OrNop(logger), "bus"),
		metrics: m,
		topics:  make(map[string]*topic),
	}
}

func (b *Bus) topicFor(sessionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[sessionID] = t
	}
	return t
}

// Publish fans ev out to every subscriber of its session. Events published
// after Close are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	t := b.topicFor(ev.SessionID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		b.logger.Warn("dropping event %s for closed session %s", ev.Type, ev.SessionID)
		return
	}

	evCopy := ev
	t.last = &evCopy
	if ev.Type.Terminal() {
		t.terminal = &evCopy
	}

	b.metrics.EventPublished(string(ev.Type))
	for sub := range t.subs {
		sub.push(ev, b.metrics)
	}
}

// Subscribe attaches a new subscriber to sessionID with the given buffer
// capacity (DefaultCapacity when non-positive). A live session replays a
// synthetic progress_update carrying the current stage and progress; an ended
// one replays its retained terminal event and the channel closes immediately.
func (b *Bus) Subscribe(sessionID string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, capacity),
	}

	t := b.topicFor(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal != nil {
		sub.push(*t.terminal, b.metrics)
		sub.close()
		return sub
	}
	if t.closed {
		sub.close()
		return sub
	}

	t.subs[sub] = struct{}{}
	if t.last != nil {
		sub.push(Event{
			SessionID: sessionID,
			Type:      EventProgress,
			Stage:     t.last.Stage,
			Progress:  t.last.Progress,
			Timestamp: time.Now().UTC(),
			Detail:    "replay",
		}, b.metrics)
	}
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t := b.topicFor(sub.sessionID)
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
	sub.close()
}

// Close ends the session's stream: pending events stay readable in each
// subscriber's buffer, channels close, and the terminal event is retained so
// late subscribers still receive it.
func (b *Bus) Close(sessionID string) {
	t := b.topicFor(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for sub := range t.subs {
		sub.close()
	}
	t.subs = make(map[*Subscription]struct{})
}

// Forget drops all retained state for a deleted session.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		sub.close()
	}
	t.subs = make(map[*Subscription]struct{})
	t.closed = true
}

// Snapshot returns the last event published for the session, if any. The
// second return distinguishes "no events yet" from an unknown session.
func (b *Bus) Snapshot(sessionID string) (Event, bool) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	b.mu.Unlock()
	if !ok {
		return Event{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Event{}, false
	}
	return *t.last, true
}
