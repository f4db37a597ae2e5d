package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event kind.
	ErrNoHandler = errors.New("no handlers registered for event kind")
)

// Sink receives every history event the engine commits.
// Delivery is fire-and-forget from the engine's point of view.
type Sink interface {
	Deliver(ctx context.Context, event types.HistoryEvent) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(ctx context.Context, event types.HistoryEvent) error

// Deliver implements the Sink interface.
func (f SinkFunc) Deliver(ctx context.Context, event types.HistoryEvent) error {
	return f(ctx, event)
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []Sink

// Deliver implements the Sink interface.
func (f Fanout) Deliver(ctx context.Context, event types.HistoryEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event types.HistoryEvent) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event types.HistoryEvent) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event types.HistoryEvent) error {
	return f(ctx, event)
}

// EventBus manages event subscriptions and publishing.
type EventBus struct {
	handlers     map[types.EventKind][]EventHandler
	mu           sync.RWMutex
	eventCh      chan types.HistoryEvent
	errHandler   func(event types.HistoryEvent, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

var _ Sink = (*EventBus)(nil)

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan types.HistoryEvent, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event types.HistoryEvent, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger reports handler failures through logger.
func WithLogger(logger zerolog.Logger) EventBusOption {
	return WithErrorHandler(loggingErrorHandler(logger))
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100, and handler errors are discarded unless
// WithLogger or WithErrorHandler is given.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:   make(map[types.EventKind][]EventHandler),
		eventCh:    make(chan types.HistoryEvent, 100),
		errHandler: loggingErrorHandler(zerolog.Nop()),
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event kind.
func (eb *EventBus) Subscribe(kind types.EventKind, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[kind] = append(eb.handlers[kind], handler)
}

// SubscribeFunc subscribes a function as a handler to an event kind.
func (eb *EventBus) SubscribeFunc(kind types.EventKind, handlerFunc func(ctx context.Context, event types.HistoryEvent) error) {
	eb.Subscribe(kind, EventHandlerFunc(handlerFunc))
}

// SubscribeAll subscribes a handler to every event kind.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	for _, kind := range types.EventKinds {
		eb.Subscribe(kind, handler)
	}
}

// HasSubscribers checks if there are any subscribers for a given event kind.
func (eb *EventBus) HasSubscribers(kind types.EventKind) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	handlers, exists := eb.handlers[kind]
	return exists && len(handlers) > 0
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, the channel
// is full, or nobody subscribed to the kind.
func (eb *EventBus) Publish(ctx context.Context, event types.HistoryEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Kind) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Deliver implements Sink. An event nobody listens to is not a failure.
func (eb *EventBus) Deliver(ctx context.Context, event types.HistoryEvent) error {
	err := eb.Publish(ctx, event)
	if errors.Is(err, ErrNoHandler) {
		return nil
	}
	return err
}

// Stop stops the event processing goroutine and waits for completion.
// Any unprocessed events are discarded to ensure a clean shutdown.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		eb.mu.RLock()
		handlers, ok := eb.handlers[event.Kind]
		eb.mu.RUnlock()

		if !ok || len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers executes all handlers for an event and collects errors.
// Handlers are run concurrently, and the function waits for all to complete.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event types.HistoryEvent) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

func loggingErrorHandler(logger zerolog.Logger) func(event types.HistoryEvent, err error) {
	return func(event types.HistoryEvent, err error) {
		logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("kind", string(event.Kind)).
			Uint64("instance_id", event.InstanceID).
			Int64("sequence_no", event.SequenceNo).
			Msg("event handler failed")
	}
}
