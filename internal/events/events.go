package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"village/internal/metrics"
)

const (
	// ReservationCreated carries a models.Reservation.
	ReservationCreated = "reservation.created"
	// ReservationStatusChanged carries a models.StatusChange.
	ReservationStatusChanged = "reservation.status_changed"
	// ProductDeleted carries a ProductDeletedPayload.
	ProductDeleted = "product.deleted"
)

// ErrQueueFull is returned by Publish when the outbound queue has no room.
var ErrQueueFull = errors.New("events: queue full")

// ProductDeletedPayload describes a finished cascade delete.
type ProductDeletedPayload struct {
	ResourceID          int64 `json:"resource_id"`
	OwnerID             int64 `json:"owner_id"`
	RemovedReservations int64 `json:"removed_reservations"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, event Event) error

// DefaultGroup receives handlers registered through EventBus.Subscribe.
const DefaultGroup = "default"

const drainTimeout = 5 * time.Second

// EventBus queues published events and fans them out to subscriber groups.
// Every group has its own bounded queue and worker goroutine, so a slow
// group only delays and drops its own events. Within a group handlers see
// events in publish order.
type EventBus struct {
	mu     sync.RWMutex
	groups []*Group
	queue  chan Event
	size   int
	logger *zerolog.Logger
}

// Group is a set of handlers served by one worker.
type Group struct {
	name     string
	bus      *EventBus
	handlers map[string][]EventHandler
	queue    chan Event
}

// NewEventBus constructs a bus whose inbound queue and per-group queues hold
// up to size events each.
func NewEventBus(size int, logger *zerolog.Logger) *EventBus {
	if size <= 0 {
		size = 1
	}
	l := logger.With().Str("component", "events").Logger()
	return &EventBus{
		queue:  make(chan Event, size),
		size:   size,
		logger: &l,
	}
}

// Group returns the subscriber group with the given name, creating it on
// first use. Groups must be set up before Run.
func (b *EventBus) Group(name string) *Group {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups {
		if g.name == name {
			return g
		}
	}
	g := &Group{
		name:     name,
		bus:      b,
		handlers: make(map[string][]EventHandler),
		queue:    make(chan Event, b.size),
	}
	b.groups = append(b.groups, g)
	return g
}

// Subscribe registers a handler for a given event type in the default group.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.Group(DefaultGroup).Subscribe(eventType, handler)
}

// Subscribe registers a handler for a given event type in this group.
func (g *Group) Subscribe(eventType string, handler EventHandler) {
	g.bus.mu.Lock()
	defer g.bus.mu.Unlock()
	g.handlers[eventType] = append(g.handlers[eventType], handler)
}

func (g *Group) handlersFor(eventType string) []EventHandler {
	g.bus.mu.RLock()
	defer g.bus.mu.RUnlock()
	return append([]EventHandler(nil), g.handlers[eventType]...)
}

// Publish enqueues the event without blocking. A full queue drops the event.
func (b *EventBus) Publish(event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	select {
	case b.queue <- event:
		return nil
	default:
		metrics.IncEventDropped()
		b.logger.Warn().Str("event_id", event.ID).Str("type", event.Type).Msg("event queue full, dropping event")
		return fmt.Errorf("%w: %s", ErrQueueFull, event.Type)
	}
}

// PublishJSON marshals payload and publishes it under evType.
func (b *EventBus) PublishJSON(evType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evType, err)
	}
	return b.Publish(Event{Type: evType, Payload: data})
}

// Pending reports how many events wait in the inbound queue.
func (b *EventBus) Pending() int {
	return len(b.queue)
}

// Run fans queued events out to the groups until ctx is done. On shutdown the
// remaining events are handed to the groups and their workers get a short
// grace period to finish. Run must be called at most once.
func (b *EventBus) Run(ctx context.Context) {
	b.mu.RLock()
	groups := append([]*Group(nil), b.groups...)
	b.mu.RUnlock()

	// Handlers keep running during the grace period after ctx is done.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *Group) {
			defer wg.Done()
			for ev := range g.queue {
				b.deliver(workCtx, ev, g.handlersFor(ev.Type))
			}
		}(g)
	}

	for {
		select {
		case <-ctx.Done():
			b.drain(groups)
			for _, g := range groups {
				close(g.queue)
			}
			grace := time.AfterFunc(drainTimeout, stopWork)
			wg.Wait()
			grace.Stop()
			return
		case ev := <-b.queue:
			b.fanOut(groups, ev)
		}
	}
}

func (b *EventBus) drain(groups []*Group) {
	for {
		select {
		case ev := <-b.queue:
			b.fanOut(groups, ev)
		default:
			return
		}
	}
}

func (b *EventBus) fanOut(groups []*Group, ev Event) {
	for _, g := range groups {
		if len(g.handlersFor(ev.Type)) == 0 {
			continue
		}
		select {
		case g.queue <- ev:
		default:
			metrics.IncEventDropped()
			b.logger.Warn().
				Str("event_id", ev.ID).
				Str("type", ev.Type).
				Str("group", g.name).
				Msg("subscriber group queue full, dropping event")
		}
	}
}

// Dispatch delivers one event to the handlers of every group synchronously.
// Handler errors and panics are logged and do not stop delivery to other
// handlers.
func (b *EventBus) Dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	groups := append([]*Group(nil), b.groups...)
	b.mu.RUnlock()
	for _, g := range groups {
		b.deliver(ctx, event, g.handlersFor(event.Type))
	}
}

func (b *EventBus) deliver(ctx context.Context, event Event, handlers []EventHandler) {
	for _, handler := range handlers {
		if err := b.safeCall(ctx, handler, event); err != nil {
			b.logger.Error().Err(err).
				Str("event_id", event.ID).
				Str("type", event.Type).
				Msg("event handler failed")
		}
	}
}

func (b *EventBus) safeCall(ctx context.Context, handler EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}
