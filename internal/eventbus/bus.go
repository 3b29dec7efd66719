// Package eventbus implements the per-itinerary multi-subscriber broadcast
// channel (spec.md §4.5): best-effort, non-blocking, drop-oldest delivery
// with a bounded per-subscriber buffer and no replay of events published
// before subscription.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Family distinguishes the two event families spec.md §4.5 names.
type Family string

const (
	FamilyAgent Family = "agent_event"
	FamilyPatch Family = "patch_event"
)

// Event is one published message. Type is the SSE event name (spec.md §6):
// "agent-progress", "agent-complete", "patch_applied", "version_updated",
// "node_locked", "node_unlocked".
type Event struct {
	Family      Family      `json:"family"`
	Type        string      `json:"type"`
	ItineraryID string      `json:"itineraryId"`
	Timestamp   int64       `json:"timestamp"`
	Payload     interface{} `json:"payload"`
}

const (
	defaultBufferSize = 64
	defaultIdleWindow = 5 * time.Minute
)

// Subscription is returned by Subscribe; call Unsubscribe to release it.
type Subscription struct {
	ch     chan Event
	lossy  *bool
	cancel func()
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lossy reports whether this subscriber has ever had an event dropped
// because its buffer was full.
func (s *Subscription) Lossy() bool {
	return *s.lossy
}

// Unsubscribe releases the subscription. Guaranteed to be safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.cancel()
}

type channel struct {
	mu          sync.Mutex
	subscribers map[int]*subscriberState
	nextID      int
	lastActive  time.Time
	idleTimer   *time.Timer
}

type subscriberState struct {
	ch    chan Event
	lossy bool
}

// Bus is the event bus: a registry of per-itinerary channels, created
// lazily and garbage-collected after an idle window with no publications
// and no subscribers. Behind an explicit constructor, never a package-level
// singleton (spec.md §9).
type Bus struct {
	mu         sync.Mutex
	channels   map[string]*channel
	bufferSize int
	idleWindow time.Duration
	tracer     trace.Tracer
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the default per-subscriber buffer size (64).
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// WithIdleWindow overrides the default idle-channel GC window (5 min).
func WithIdleWindow(d time.Duration) Option {
	return func(b *Bus) { b.idleWindow = d }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		channels:   make(map[string]*channel),
		bufferSize: defaultBufferSize,
		idleWindow: defaultIdleWindow,
		tracer:     otel.Tracer("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) getOrCreateChannel(itineraryID string) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[itineraryID]
	if !ok {
		c = &channel{
			subscribers: make(map[int]*subscriberState),
			lastActive:  time.Now(),
		}
		b.channels[itineraryID] = c
	}
	return c
}

// Subscribe registers a handler-free subscription on itineraryID: the
// caller reads events from Subscription.Events(). Unsubscribe is
// guaranteed — calling it always removes the subscriber and, once the
// channel has both no subscribers and no recent publications, the
// per-itinerary channel itself is reclaimed.
func (b *Bus) Subscribe(itineraryID string) *Subscription {
	c := b.getOrCreateChannel(itineraryID)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	state := &subscriberState{ch: make(chan Event, b.bufferSize)}
	c.subscribers[id] = state
	c.lastActive = time.Now()
	b.stopIdleTimerLocked(c)
	c.mu.Unlock()

	var cancelOnce sync.Once
	sub := &Subscription{ch: state.ch, lossy: &state.lossy}
	sub.cancel = func() {
		cancelOnce.Do(func() {
			b.unsubscribe(itineraryID, c, id)
		})
	}
	return sub
}

func (b *Bus) unsubscribe(itineraryID string, c *channel, id int) {
	c.mu.Lock()
	if state, ok := c.subscribers[id]; ok {
		close(state.ch)
		delete(c.subscribers, id)
	}
	empty := len(c.subscribers) == 0
	if empty {
		b.armIdleTimerLocked(itineraryID, c)
	}
	c.mu.Unlock()
}

// armIdleTimerLocked schedules the channel's removal once idleWindow has
// elapsed with no subscribers and no publications. c.mu must be held.
func (b *Bus) armIdleTimerLocked(itineraryID string, c *channel) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(b.idleWindow, func() {
		b.reapIfIdle(itineraryID, c)
	})
}

func (b *Bus) stopIdleTimerLocked(c *channel) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (b *Bus) reapIfIdle(itineraryID string, c *channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribers) != 0 {
		return
	}
	if time.Since(c.lastActive) < b.idleWindow {
		return
	}
	delete(b.channels, itineraryID)
}

// Publish delivers an event to every current subscriber of itineraryID.
// Best-effort and non-blocking: a subscriber whose buffer is full has its
// oldest queued event dropped to make room (drop-oldest), and is marked
// lossy. Publish never blocks on a slow subscriber and never returns an
// error — there is no durable replay, so a publish to a channel with zero
// subscribers is simply a no-op past channel creation.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	_, span := b.tracer.Start(context.Background(), "eventbus.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("itinerary.id", evt.ItineraryID),
		attribute.String("event.type", evt.Type),
	)

	c := b.getOrCreateChannel(evt.ItineraryID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	b.stopIdleTimerLocked(c)

	for _, state := range c.subscribers {
		select {
		case state.ch <- evt:
		default:
			// buffer full: drop the oldest queued event, then enqueue.
			select {
			case <-state.ch:
			default:
			}
			state.lossy = true
			select {
			case state.ch <- evt:
			default:
				// subscriber's buffer was refilled concurrently; give up
				// on this publish for this subscriber rather than block.
			}
		}
	}

	if len(c.subscribers) == 0 {
		b.armIdleTimerLocked(evt.ItineraryID, c)
	}
}
