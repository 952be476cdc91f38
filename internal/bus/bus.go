// Package bus is the in-process pub/sub fabric for device, task, and
// constellation lifecycle events. Topic matching is by prefix; payloads are
// the typed event structs in topics.go.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the per-subscriber channel buffer when the host
	// does not configure one.
	DefaultBufferSize = 256

	// publishTimeout bounds how long Publish blocks on a saturated
	// subscriber before dropping the event for that subscriber.
	publishTimeout = 50 * time.Millisecond
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub message bus with topic prefix matching.
// Delivery per subscriber is at-least-once while its buffer keeps up;
// saturated subscribers lose events after a bounded blocking timeout so one
// slow consumer cannot stall the control plane.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	bufferSize      int
	logger          *slog.Logger
	onDrop          func(topic string)
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates a Bus with the default subscriber buffer and no logger.
func New() *Bus {
	return NewWithOptions(0, nil)
}

// NewWithOptions creates a Bus with an explicit subscriber buffer size
// (<=0 means DefaultBufferSize) and an optional logger for drop warnings.
func NewWithOptions(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[int]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// SetDropHook registers a callback invoked once per dropped event, e.g.
// to feed a metrics counter. Set it before the bus sees traffic.
func (b *Bus) SetDropHook(fn func(topic string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, b.bufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. A send to a saturated
// subscriber blocks up to publishTimeout, then the event is dropped for that
// subscriber and counted.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	var matched []*Subscription
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			matched = append(matched, sub)
		}
	}
	onDrop := b.onDrop
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	var timer *time.Timer
	for _, sub := range matched {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		if timer == nil {
			timer = time.NewTimer(publishTimeout)
			defer timer.Stop()
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(publishTimeout)
		}
		select {
		case sub.ch <- event:
		case <-timer.C:
			newCount := b.droppedEvents.Add(1)
			if onDrop != nil {
				onDrop(topic)
			}
			b.maybeLogDropWarning(newCount, topic)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs when the dropped count crosses an exponential
// threshold, so a wedged subscriber shows up without flooding the log.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
