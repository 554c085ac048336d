package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/aatumaykin/nexcore/internal/logger"
)

var (
	ErrQueueFull      = errors.New("event queue is full")
	ErrAlreadyStarted = errors.New("event bus is already started")
	ErrNotStarted     = errors.New("event bus is not started")
)

// EventBus fans published events out to subscribers from a single goroutine.
type EventBus struct {
	mu      sync.RWMutex
	logger  *logger.Logger
	started bool
	wg      sync.WaitGroup

	queueSize  int
	bufferSize int
	eventCh    chan Event

	subscribers  map[int64]chan Event
	subscriberID int64
}

// New creates an EventBus with a publish queue of queueSize events and
// per-subscriber channels of bufferSize events.
func New(queueSize, bufferSize int, log *logger.Logger) *EventBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if log == nil {
		log = logger.Discard()
	}
	return &EventBus{
		logger:      log,
		queueSize:   queueSize,
		bufferSize:  bufferSize,
		subscribers: make(map[int64]chan Event),
	}
}

// Start starts the distribution goroutine.
func (b *EventBus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}

	b.eventCh = make(chan Event, b.queueSize)
	b.started = true

	b.wg.Add(1)
	go b.distribute(b.eventCh)

	b.logger.Debug("event bus started", logger.Field{Key: "queue_size", Value: b.queueSize})
	return nil
}

// Stop delivers events already queued, then closes every subscriber channel.
func (b *EventBus) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	b.started = false
	close(b.eventCh)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	b.logger.Debug("event bus stopped")
	return nil
}

// Publish queues e for delivery without blocking.
func (b *EventBus) Publish(e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.started {
		return ErrNotStarted
	}

	select {
	case b.eventCh <- e:
		return nil
	default:
		b.logger.Warn("event queue full, dropping event",
			logger.Field{Key: "kind", Value: string(e.Kind)},
			logger.Field{Key: "queue_size", Value: b.queueSize})
		return ErrQueueFull
	}
}

// Emit publishes e and ignores delivery errors. It is safe on a nil bus, so
// components can treat the bus as optional.
func (b *EventBus) Emit(e Event) {
	if b == nil {
		return
	}
	if err := b.Publish(e); err != nil && !errors.Is(err, ErrQueueFull) {
		b.logger.Debug("event not published",
			logger.Field{Key: "kind", Value: string(e.Kind)},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

// Subscribe returns a channel receiving every event published from now on.
// The channel is closed when ctx is done or the bus stops.
func (b *EventBus) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}

	ch := make(chan Event, b.bufferSize)
	b.subscriberID++
	id := b.subscriberID
	b.subscribers[id] = ch

	b.logger.Debug("event subscriber added", logger.Field{Key: "subscriber_id", Value: id})

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			b.unsubscribe(id)
		}()
	}
	return ch
}

func (b *EventBus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *EventBus) distribute(events <-chan Event) {
	defer b.wg.Done()
	for e := range events {
		b.mu.RLock()
		for id, ch := range b.subscribers {
			select {
			case ch <- e:
			default:
				b.logger.Warn("event subscriber channel full, skipping event",
					logger.Field{Key: "subscriber_id", Value: id},
					logger.Field{Key: "kind", Value: string(e.Kind)})
			}
		}
		b.mu.RUnlock()
	}
}

// IsStarted reports whether the bus accepts events.
func (b *EventBus) IsStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}
