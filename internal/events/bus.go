// Package events is an in-process pub/sub bus for session progress.
package events

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 64

	// EventTypeSessionStarted is published once the service issued a session id.
	EventTypeSessionStarted = "SessionStarted"
	// EventTypeCheckSubmitted is published for every completed check submission.
	EventTypeCheckSubmitted = "CheckSubmitted"
	// EventTypePollAttempt is published for every status fetch during stop.
	EventTypePollAttempt = "PollAttempt"
	// EventTypeSessionStopped is published with the final verdict.
	EventTypeSessionStopped = "SessionStopped"
	// EventTypeSystemAlert is published for failures that did not abort the session.
	EventTypeSystemAlert = "SystemAlert"
	// EventTypeHealthCheck is published with every doctor report.
	EventTypeHealthCheck = "HealthCheck"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is one message delivered through the bus.
type Event struct {
	Type      string
	Timestamp time.Time
	SessionID string
	Subject   string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the logger used for dropped-event warnings.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// SubscribeOption customizes one subscription.
type SubscribeOption func(*subscriber)

// Lossless makes Publish wait for queue space instead of dropping events for
// this subscriber. Its handler must not publish to the same bus.
func Lossless() SubscribeOption {
	return func(sub *subscriber) {
		sub.lossless = true
	}
}

// InMemoryBus delivers events to subscribers through buffered channels.
// Slow subscribers lose events rather than blocking publishers unless they
// subscribed with Lossless.
type InMemoryBus struct {
	mu           sync.RWMutex
	bufferSize   int
	logger       *log.Logger
	typedSubs    map[string][]*subscriber
	wildcardSubs []*subscriber
	nextID       uint64
	closed       bool
	wg           sync.WaitGroup
}

type subscriber struct {
	id       uint64
	ch       chan Event
	lossless bool
}

// New creates an in-memory event bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.New(io.Discard),
		typedSubs:  make(map[string][]*subscriber),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler, options ...SubscribeOption) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := b.newSubscriberLocked(options)
	b.typedSubs[eventType] = append(b.typedSubs[eventType], sub)
	b.startLocked(sub, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InMemoryBus) SubscribeAll(handler Handler, options ...SubscribeOption) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := b.newSubscriberLocked(options)
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.startLocked(sub, handler)
}

// Publish delivers event to matching subscribers without blocking.
func (b *InMemoryBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.typedSubs[strings.TrimSpace(event.Type)] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// Close stops accepting events and waits for handlers to drain their queues.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.wildcardSubs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	if sub.lossless {
		sub.ch <- event
		return
	}
	select {
	case sub.ch <- event:
	default:
		b.logger.Warn("dropping event",
			"subscriber", sub.id,
			"type", event.Type,
			"session_id", event.SessionID,
			"subject", event.Subject,
		)
	}
}

func (b *InMemoryBus) newSubscriberLocked(options []SubscribeOption) *subscriber {
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, b.bufferSize)}
	for _, option := range options {
		if option != nil {
			option(sub)
		}
	}
	return sub
}

func (b *InMemoryBus) startLocked(sub *subscriber, handler Handler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()
}
